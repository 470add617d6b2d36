package contracts

import (
	"encoding/json"
	"time"
)

// Grade is a context trust grade derived from an actor's trust score.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

var gradeRank = map[Grade]int{GradeA: 5, GradeB: 4, GradeC: 3, GradeD: 2, GradeF: 1}

// GradeFromScore derives the letter grade from a trust score in [0,100].
func GradeFromScore(score int) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 75:
		return GradeB
	case score >= 60:
		return GradeC
	case score >= 40:
		return GradeD
	default:
		return GradeF
	}
}

// AtLeast reports whether g meets or exceeds the required grade.
func (g Grade) AtLeast(required Grade) bool {
	return gradeRank[g] >= gradeRank[required]
}

// ContextKind distinguishes live sessions from test harness contexts.
type ContextKind string

const (
	ContextSession ContextKind = "session"
	ContextTest    ContextKind = "test"
)

// InvocationContext identifies the caller of a capability and carries the
// trust score its grade derives from.
type InvocationContext struct {
	ChittyID   string            `json:"chitty_id"`
	Kind       ContextKind       `json:"kind"`
	TrustScore int               `json:"trust_score"`
	SessionID  string            `json:"session_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Grade returns the letter grade for the context's trust score.
func (c InvocationContext) Grade() Grade { return GradeFromScore(c.TrustScore) }

// CapabilityStatus is the lifecycle state of a capability definition.
type CapabilityStatus string

const (
	StatusExperimental CapabilityStatus = "experimental"
	StatusLimited      CapabilityStatus = "limited"
	StatusGeneral      CapabilityStatus = "general"
	StatusDeprecated   CapabilityStatus = "deprecated"
	StatusQuarantined  CapabilityStatus = "quarantined"
)

// Invocable reports whether invocations are admitted in this status.
func (s CapabilityStatus) Invocable() bool {
	return s != StatusDeprecated && s != StatusQuarantined
}

// Provenance is the envelope stamp identifying the invocation that produced
// a value. Downstream capabilities verify it before accepting chained input.
type Provenance struct {
	InvocationID      string    `json:"invocation_id"`
	CapabilityID      string    `json:"capability_id"`
	CapabilityVersion string    `json:"capability_version"`
	Timestamp         time.Time `json:"timestamp"`
	InputHash         string    `json:"input_hash"`
}

// Result is the mandatory return envelope of every capability invocation.
// The zero Result is not a valid envelope: values acquire the envelope tag
// only through Ok and Fail, so a raw T can never impersonate a Result[T].
type Result[T any] struct {
	tagged     bool
	ok         bool
	value      T
	fault      *Fault
	provenance Provenance
}

// Ok wraps a successful value with its provenance.
func Ok[T any](value T, prov Provenance) Result[T] {
	return Result[T]{tagged: true, ok: true, value: value, provenance: prov}
}

// Fail wraps a failure with its provenance.
func Fail[T any](f *Fault, prov Provenance) Result[T] {
	if f == nil {
		f = NewFault(CodeUnexpected, "capability failed without a fault")
	}
	return Result[T]{tagged: true, ok: false, fault: f, provenance: prov}
}

// OK reports whether the invocation succeeded.
func (r Result[T]) OK() bool { return r.tagged && r.ok }

// Value returns the wrapped value, or the fault as error when failed.
func (r Result[T]) Value() (T, error) {
	if !r.tagged {
		var zero T
		return zero, NewFault(CodeInvalidInput, "untagged capability result")
	}
	if !r.ok {
		var zero T
		return zero, r.fault
	}
	return r.value, nil
}

// Fault returns the failure, nil when successful.
func (r Result[T]) Fault() *Fault { return r.fault }

// Provenance returns the envelope stamp.
func (r Result[T]) Provenance() Provenance { return r.provenance }

// Envelope is the capability-result view used by the invoker to accept
// chained inputs without knowing T. Only Result[T] satisfies it.
type Envelope interface {
	OKEnvelope() bool
	EnvelopeProvenance() Provenance
}

// OKEnvelope implements Envelope.
func (r Result[T]) OKEnvelope() bool { return r.OK() }

// EnvelopeProvenance implements Envelope.
func (r Result[T]) EnvelopeProvenance() Provenance { return r.provenance }

// resultWire is the serialized shape of a Result.
type resultWire[T any] struct {
	Success     bool       `json:"success"`
	Value       *T         `json:"value,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   Code       `json:"error_code,omitempty"`
	Recoverable bool       `json:"recoverable,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// MarshalJSON serializes the envelope in its wire shape.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	w := resultWire[T]{Success: r.ok, Provenance: r.provenance}
	if r.ok {
		v := r.value
		w.Value = &v
	} else if r.fault != nil {
		w.Error = r.fault.Message
		w.ErrorCode = r.fault.Code
		w.Recoverable = r.fault.Recoverable
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores the envelope, re-tagging it. Wire-restored envelopes
// still pass through provenance verification before they are trusted.
func (r *Result[T]) UnmarshalJSON(data []byte) error {
	var w resultWire[T]
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Success {
		var v T
		if w.Value != nil {
			v = *w.Value
		}
		*r = Ok(v, w.Provenance)
		return nil
	}
	f := NewFault(w.ErrorCode, w.Error)
	f.Recoverable = w.Recoverable
	*r = Fail[T](f, w.Provenance)
	return nil
}
