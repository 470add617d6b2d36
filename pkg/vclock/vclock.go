// Package vclock implements vector clocks for causal ordering of todo
// edits across platforms. Clocks are plain value maps so the merge engine
// stays pure; callers own synchronization.
package vclock

// Ordering is the causal relationship between two clocks.
type Ordering string

const (
	Before     Ordering = "before"
	After      Ordering = "after"
	Equal      Ordering = "equal"
	Concurrent Ordering = "concurrent"
)

// Clock maps a platform identifier to a non-negative monotone counter.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Init returns a fresh clock with platform p at 1.
func Init(p string) Clock {
	return Clock{p: 1}
}

// Clone returns an independent copy of c. A nil clock clones to an empty
// one so callers can increment the result safely.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Increment returns a copy of c with platform p advanced by one.
func (c Clock) Increment(p string) Clock {
	out := c.Clone()
	out[p]++
	return out
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := a.Clone()
	for k, v := range b {
		if out[k] < v {
			out[k] = v
		}
	}
	return out
}

// Compare reports the causal ordering of a relative to b. Two clocks are
// concurrent when neither dominates the other pointwise.
func Compare(a, b Clock) Ordering {
	hasLess := false
	hasGreater := false

	for k := range union(a, b) {
		av, bv := a[k], b[k]
		if av < bv {
			hasLess = true
		}
		if av > bv {
			hasGreater = true
		}
	}

	switch {
	case !hasLess && !hasGreater:
		return Equal
	case hasLess && !hasGreater:
		return Before
	case hasGreater && !hasLess:
		return After
	default:
		return Concurrent
	}
}

// MaxValue returns the largest counter in the clock.
func (c Clock) MaxValue() uint64 {
	var m uint64
	for _, v := range c {
		if v > m {
			m = v
		}
	}
	return m
}

func union(a, b Clock) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}
