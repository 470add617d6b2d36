// Package merge implements the three-way todo merge used by project
// consolidation. The engine is pure: it never blocks, never allocates IDs
// from global state, and never mutates its inputs.
package merge

import (
	"fmt"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/vclock"
)

// Strategy selects how concurrent edits are reconciled.
type Strategy string

const (
	StrategyTimestamp      Strategy = "timestamp"
	StrategyStatusPriority Strategy = "status_priority"
	StrategyKeepLocal      Strategy = "keep_local"
	StrategyKeepRemote     Strategy = "keep_remote"
	StrategyKeepBoth       Strategy = "keep_both"
	StrategyManual         Strategy = "manual"
	StrategyThreeWay       Strategy = "three_way"
)

// DefaultStrategy is used when a caller does not pick one.
const DefaultStrategy = StrategyTimestamp

// MetaOriginalID carries the pre-split id on keep_both results.
const MetaOriginalID = "original_id"

// MetaRequiresResolution flags manual-merge results awaiting a human.
const MetaRequiresResolution = "requires_resolution"

// Outcome is the result of one three-way merge.
type Outcome struct {
	// Merged holds zero, one, or (for keep_both) two todos.
	Merged []contracts.Todo
	// Conflict reports that the sides diverged and a rule decided.
	Conflict     bool
	ConflictType contracts.ConflictType
	Strategy     Strategy
	// AutoResolved is set when no human follow-up is needed.
	AutoResolved bool
	// RequiresResolution is set only by the manual strategy.
	RequiresResolution bool
}

// Equal compares the merge-relevant fields of two todos: content, status,
// and active form. Timestamps, metadata, and topics are excluded so drift
// in bookkeeping fields alone never creates conflicts.
func Equal(a, b *contracts.Todo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Content == b.Content && a.Status == b.Status && a.ActiveForm == b.ActiveForm
}

// ThreeWay merges local and remote against their common ancestor.
//
// Case order: absent/absent no-op, delete handling, one-sided creation,
// identical sides, one-sided modification, clock-ordered resolution, and
// finally strategy delegation for truly concurrent edits.
func ThreeWay(local, remote, base *contracts.Todo, strategy Strategy) (Outcome, error) {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	if !knownStrategy(strategy) {
		return Outcome{}, contracts.Faultf(contracts.CodeInvalidInput, "unknown merge strategy %q", strategy)
	}

	localGone := gone(local)
	remoteGone := gone(remote)

	// Case 1: neither exists.
	if localGone && remoteGone {
		return Outcome{Strategy: strategy}, nil
	}

	// One side missing or deleted.
	if localGone || remoteGone {
		present := local
		absent := remote
		if localGone {
			present, absent = remote, local
		}

		// Case 2: one-sided creation.
		if base == nil && absent == nil {
			return Outcome{Merged: []contracts.Todo{*present.Clone()}, Strategy: strategy}, nil
		}

		// Case 7: delete conflict when the surviving side moved past base.
		if base != nil && !Equal(present, base) {
			winner := present.Clone()
			winner.VectorClock = mergedClock(local, remote)
			return Outcome{
				Merged:       []contracts.Todo{*winner},
				Conflict:     true,
				ConflictType: contracts.ConflictDelete,
				Strategy:     strategy,
				AutoResolved: true,
			}, nil
		}

		// Deletion wins when the surviving side is unchanged.
		if absent.Deleted() {
			return Outcome{Merged: []contracts.Todo{*absent.Clone()}, Strategy: strategy}, nil
		}
		return Outcome{Strategy: strategy}, nil
	}

	// Case 4: both sides identical.
	if Equal(local, remote) {
		merged := local.Clone()
		merged.VectorClock = mergedClock(local, remote)
		return Outcome{Merged: []contracts.Todo{*merged}, Strategy: strategy}, nil
	}

	// Case 3: one side modified, the other untouched since base.
	if base != nil {
		localChanged := !Equal(local, base)
		remoteChanged := !Equal(remote, base)
		switch {
		case localChanged && !remoteChanged:
			return oneSideWins(local, remote, strategy), nil
		case remoteChanged && !localChanged:
			return oneSideWins(remote, local, strategy), nil
		}
	}

	// Case 5: both changed but vector clocks give an order.
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.After:
		return oneSideWins(local, remote, strategy), nil
	case vclock.Before:
		return oneSideWins(remote, local, strategy), nil
	}

	// Case 6: concurrent edits, the strategy decides.
	return applyStrategy(local, remote, base, strategy)
}

// oneSideWins builds a non-conflicting outcome carrying the merged clock.
func oneSideWins(winner, loser *contracts.Todo, strategy Strategy) Outcome {
	merged := winner.Clone()
	merged.VectorClock = mergedClock(winner, loser)
	return Outcome{Merged: []contracts.Todo{*merged}, Strategy: strategy}
}

func applyStrategy(local, remote, base *contracts.Todo, strategy Strategy) (Outcome, error) {
	conflictType := classifyConflict(local, remote)

	winnerOutcome := func(w *contracts.Todo) Outcome {
		merged := w.Clone()
		merged.VectorClock = mergedClock(local, remote)
		return Outcome{
			Merged:       []contracts.Todo{*merged},
			Conflict:     true,
			ConflictType: conflictType,
			Strategy:     strategy,
			AutoResolved: true,
		}
	}

	switch strategy {
	case StrategyKeepLocal:
		return winnerOutcome(local), nil

	case StrategyKeepRemote:
		return winnerOutcome(remote), nil

	case StrategyTimestamp:
		return winnerOutcome(laterOf(local, remote)), nil

	case StrategyStatusPriority:
		if lp, rp := local.Status.Priority(), remote.Status.Priority(); lp != rp {
			if lp > rp {
				return winnerOutcome(local), nil
			}
			return winnerOutcome(remote), nil
		}
		return winnerOutcome(laterOf(local, remote)), nil

	case StrategyThreeWay:
		// Clock ordering was already exhausted upstream; fall back to time.
		return winnerOutcome(laterOf(local, remote)), nil

	case StrategyKeepBoth:
		clock := mergedClock(local, remote)
		keptLocal := local.Clone()
		keptLocal.ID = local.ID + "-local"
		keptLocal.Content = "[LOCAL] " + local.Content
		keptLocal.VectorClock = clock
		setMeta(keptLocal, MetaOriginalID, local.ID)

		keptRemote := remote.Clone()
		keptRemote.ID = remote.ID + "-remote"
		keptRemote.Content = "[REMOTE] " + remote.Content
		keptRemote.VectorClock = vclock.Clock(clock).Clone()
		setMeta(keptRemote, MetaOriginalID, remote.ID)

		return Outcome{
			Merged:       []contracts.Todo{*keptLocal, *keptRemote},
			Conflict:     true,
			ConflictType: conflictType,
			Strategy:     strategy,
			AutoResolved: true,
		}, nil

	case StrategyManual:
		merged := local.Clone()
		merged.Content = conflictMarkers(local.Content, remote.Content)
		merged.Status = contracts.TodoPending
		merged.VectorClock = mergedClock(local, remote)
		setMeta(merged, MetaRequiresResolution, true)
		return Outcome{
			Merged:             []contracts.Todo{*merged},
			Conflict:           true,
			ConflictType:       conflictType,
			Strategy:           strategy,
			RequiresResolution: true,
		}, nil

	default:
		return Outcome{}, contracts.Faultf(contracts.CodeInvalidInput, "unknown merge strategy %q", strategy)
	}
}

// laterOf picks the todo with the later update stamp. Ties break on status
// priority and then content so the result is independent of argument order.
func laterOf(a, b *contracts.Todo) *contracts.Todo {
	switch {
	case a.UpdatedAt.After(b.UpdatedAt):
		return a
	case b.UpdatedAt.After(a.UpdatedAt):
		return b
	case a.Status.Priority() != b.Status.Priority():
		if a.Status.Priority() > b.Status.Priority() {
			return a
		}
		return b
	case a.Content > b.Content:
		return a
	default:
		return b
	}
}

func classifyConflict(local, remote *contracts.Todo) contracts.ConflictType {
	switch {
	case local.Content != remote.Content:
		return contracts.ConflictContentDiff
	case local.Status != remote.Status:
		return contracts.ConflictStatusDiff
	default:
		return contracts.ConflictConcurrentEdit
	}
}

func conflictMarkers(localContent, remoteContent string) string {
	return fmt.Sprintf("<<<<<<< LOCAL\n%s\n=======\n%s\n>>>>>>> REMOTE", localContent, remoteContent)
}

func mergedClock(a, b *contracts.Todo) map[string]uint64 {
	var ca, cb vclock.Clock
	if a != nil {
		ca = a.VectorClock
	}
	if b != nil {
		cb = b.VectorClock
	}
	return vclock.Merge(ca, cb)
}

func setMeta(t *contracts.Todo, key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// gone treats hard-absent and soft-deleted todos alike.
func gone(t *contracts.Todo) bool {
	return t == nil || t.Deleted()
}

func knownStrategy(s Strategy) bool {
	switch s {
	case StrategyTimestamp, StrategyStatusPriority, StrategyKeepLocal,
		StrategyKeepRemote, StrategyKeepBoth, StrategyManual, StrategyThreeWay:
		return true
	}
	return false
}
