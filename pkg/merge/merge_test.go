package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func todo(id, content string, status contracts.TodoStatus, updatedAt time.Time, clock map[string]uint64) *contracts.Todo {
	return &contracts.Todo{
		ID:          id,
		Content:     content,
		Status:      status,
		Platform:    "test",
		CreatedAt:   t0,
		UpdatedAt:   updatedAt,
		VectorClock: clock,
	}
}

func TestCase1NeitherExists(t *testing.T) {
	out, err := ThreeWay(nil, nil, nil, StrategyTimestamp)
	require.NoError(t, err)
	assert.Empty(t, out.Merged)
	assert.False(t, out.Conflict)
}

func TestCase2OneSidedCreation(t *testing.T) {
	created := todo("t1", "write brief", contracts.TodoPending, t0, map[string]uint64{"a": 1})

	out, err := ThreeWay(created, nil, nil, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, "write brief", out.Merged[0].Content)
	assert.False(t, out.Conflict)

	out, err = ThreeWay(nil, created, nil, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, "write brief", out.Merged[0].Content)
}

func TestCase3OneSideModified(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	local := todo("t1", "draft", contracts.TodoCompleted, t0.Add(time.Hour), map[string]uint64{"a": 2})
	remote := base.Clone()

	out, err := ThreeWay(local, remote, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, contracts.TodoCompleted, out.Merged[0].Status)
	assert.False(t, out.Conflict)

	// Mirror: remote modified instead.
	out, err = ThreeWay(remote, local, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, contracts.TodoCompleted, out.Merged[0].Status)
	assert.False(t, out.Conflict)
}

func TestCase4BothIdentical(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	local := todo("t1", "ship", contracts.TodoInProgress, t0.Add(time.Hour), map[string]uint64{"a": 2})
	remote := todo("t1", "ship", contracts.TodoInProgress, t0.Add(2*time.Hour), map[string]uint64{"b": 5})

	out, err := ThreeWay(local, remote, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.False(t, out.Conflict, "metadata and timestamp drift is not a conflict")
	assert.Equal(t, uint64(2), out.Merged[0].VectorClock["a"])
	assert.Equal(t, uint64(5), out.Merged[0].VectorClock["b"], "clocks merge pointwise")
}

func TestCase5ClockOrderedAutoResolve(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	local := todo("t1", "draft v2", contracts.TodoPending, t0.Add(time.Hour), map[string]uint64{"a": 2})
	// remote has seen local's edit and moved further
	remote := todo("t1", "draft v3", contracts.TodoInProgress, t0.Add(2*time.Hour), map[string]uint64{"a": 2, "b": 1})

	out, err := ThreeWay(local, remote, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, "draft v3", out.Merged[0].Content)
	assert.False(t, out.Conflict, "clock-ordered merges do not count as conflicts")
}

func TestCase6ConcurrentDelegatesToStrategy(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	local := todo("t1", "local edit", contracts.TodoPending, t0.Add(time.Hour), map[string]uint64{"a": 2})
	remote := todo("t1", "remote edit", contracts.TodoPending, t0.Add(2*time.Hour), map[string]uint64{"a": 1, "b": 1})

	out, err := ThreeWay(local, remote, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, "remote edit", out.Merged[0].Content, "later timestamp wins")
	assert.True(t, out.Conflict)
	assert.Equal(t, contracts.ConflictContentDiff, out.ConflictType)
	assert.True(t, out.AutoResolved)
}

func TestCase7DeleteConflictModifiedWins(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	deletedAt := t0.Add(time.Hour)
	deleted := base.Clone()
	deleted.DeletedAt = &deletedAt
	deleted.VectorClock = map[string]uint64{"a": 2}
	modified := todo("t1", "draft v2", contracts.TodoInProgress, t0.Add(2*time.Hour), map[string]uint64{"a": 1, "b": 1})

	out, err := ThreeWay(deleted, modified, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, "draft v2", out.Merged[0].Content)
	assert.False(t, out.Merged[0].Deleted())
	assert.True(t, out.Conflict)
	assert.Equal(t, contracts.ConflictDelete, out.ConflictType)
}

func TestCase7DeletionWinsWhenOtherUnchanged(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	deletedAt := t0.Add(time.Hour)
	deleted := base.Clone()
	deleted.DeletedAt = &deletedAt
	unchanged := base.Clone()

	out, err := ThreeWay(deleted, unchanged, base, StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.True(t, out.Merged[0].Deleted())
	assert.False(t, out.Conflict)
}

func TestStatusPriorityStrategy(t *testing.T) {
	// Scenario: two sessions create the same todo concurrently, one
	// pending at t=1000, one completed at t=2000.
	local := todo("t1", "Deploy", contracts.TodoPending, time.UnixMilli(1000), map[string]uint64{"s1": 1})
	remote := todo("t1", "Deploy", contracts.TodoCompleted, time.UnixMilli(2000), map[string]uint64{"s2": 1})

	out, err := ThreeWay(local, remote, nil, StrategyStatusPriority)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.Equal(t, contracts.TodoCompleted, out.Merged[0].Status)
	assert.True(t, out.Conflict)
	assert.Equal(t, contracts.ConflictStatusDiff, out.ConflictType)

	out, err = ThreeWay(local, remote, nil, StrategyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, contracts.TodoCompleted, out.Merged[0].Status, "later updatedAt wins")
}

func TestStatusPriorityTieFallsThroughToTimestamp(t *testing.T) {
	local := todo("t1", "alpha", contracts.TodoInProgress, time.UnixMilli(2000), map[string]uint64{"s1": 1})
	remote := todo("t1", "beta", contracts.TodoInProgress, time.UnixMilli(1000), map[string]uint64{"s2": 1})

	out, err := ThreeWay(local, remote, nil, StrategyStatusPriority)
	require.NoError(t, err)
	assert.Equal(t, "alpha", out.Merged[0].Content)
}

func TestKeepLocalKeepRemote(t *testing.T) {
	local := todo("t1", "local", contracts.TodoPending, time.UnixMilli(1000), map[string]uint64{"s1": 1})
	remote := todo("t1", "remote", contracts.TodoPending, time.UnixMilli(2000), map[string]uint64{"s2": 1})

	out, err := ThreeWay(local, remote, nil, StrategyKeepLocal)
	require.NoError(t, err)
	assert.Equal(t, "local", out.Merged[0].Content)

	out, err = ThreeWay(local, remote, nil, StrategyKeepRemote)
	require.NoError(t, err)
	assert.Equal(t, "remote", out.Merged[0].Content)
}

func TestKeepBothSplits(t *testing.T) {
	local := todo("t1", "local take", contracts.TodoPending, time.UnixMilli(1000), map[string]uint64{"s1": 1})
	remote := todo("t1", "remote take", contracts.TodoPending, time.UnixMilli(2000), map[string]uint64{"s2": 1})

	out, err := ThreeWay(local, remote, nil, StrategyKeepBoth)
	require.NoError(t, err)
	require.Len(t, out.Merged, 2)

	assert.Equal(t, "[LOCAL] local take", out.Merged[0].Content)
	assert.Equal(t, "[REMOTE] remote take", out.Merged[1].Content)
	assert.NotEqual(t, out.Merged[0].ID, out.Merged[1].ID)
	assert.Equal(t, "t1", out.Merged[0].Metadata[MetaOriginalID])
	assert.Equal(t, "t1", out.Merged[1].Metadata[MetaOriginalID])
	assert.True(t, out.AutoResolved)
}

func TestManualProducesConflictMarkers(t *testing.T) {
	local := todo("t1", "local take", contracts.TodoCompleted, time.UnixMilli(1000), map[string]uint64{"s1": 1})
	remote := todo("t1", "remote take", contracts.TodoInProgress, time.UnixMilli(2000), map[string]uint64{"s2": 1})

	out, err := ThreeWay(local, remote, nil, StrategyManual)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)

	merged := out.Merged[0]
	assert.Contains(t, merged.Content, "<<<<<<< LOCAL")
	assert.Contains(t, merged.Content, "local take")
	assert.Contains(t, merged.Content, "=======")
	assert.Contains(t, merged.Content, "remote take")
	assert.Contains(t, merged.Content, ">>>>>>> REMOTE")
	assert.Equal(t, contracts.TodoPending, merged.Status, "status resets to pending")
	assert.Equal(t, true, merged.Metadata[MetaRequiresResolution])
	assert.True(t, out.RequiresResolution)
	assert.False(t, out.AutoResolved)
}

func TestUnknownStrategyRejected(t *testing.T) {
	local := todo("t1", "x", contracts.TodoPending, t0, nil)
	_, err := ThreeWay(local, local.Clone(), nil, Strategy("bogus"))
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))
}

func TestMergeIdempotence(t *testing.T) {
	a := todo("t1", "same", contracts.TodoInProgress, t0, map[string]uint64{"a": 3})

	out, err := ThreeWay(a, a.Clone(), a.Clone(), StrategyTimestamp)
	require.NoError(t, err)
	require.Len(t, out.Merged, 1)
	assert.False(t, out.Conflict)
	assert.True(t, Equal(&out.Merged[0], a))
}

func TestTimestampCommutativeOnConcurrent(t *testing.T) {
	base := todo("t1", "draft", contracts.TodoPending, t0, map[string]uint64{"a": 1})
	x := todo("t1", "x edit", contracts.TodoPending, t0.Add(time.Hour), map[string]uint64{"a": 2})
	y := todo("t1", "y edit", contracts.TodoCompleted, t0.Add(2*time.Hour), map[string]uint64{"a": 1, "b": 1})

	xy, err := ThreeWay(x, y, base, StrategyTimestamp)
	require.NoError(t, err)
	yx, err := ThreeWay(y, x, base, StrategyTimestamp)
	require.NoError(t, err)

	require.Len(t, xy.Merged, 1)
	require.Len(t, yx.Merged, 1)
	assert.True(t, Equal(&xy.Merged[0], &yx.Merged[0]), "argument order must not change the winner")
	assert.Equal(t, xy.Merged[0].VectorClock, yx.Merged[0].VectorClock)
}

func TestInputsNeverMutated(t *testing.T) {
	local := todo("t1", "local", contracts.TodoPending, time.UnixMilli(1000), map[string]uint64{"s1": 1})
	remote := todo("t1", "remote", contracts.TodoPending, time.UnixMilli(2000), map[string]uint64{"s2": 1})
	localCopy := local.Clone()
	remoteCopy := remote.Clone()

	_, err := ThreeWay(local, remote, nil, StrategyKeepBoth)
	require.NoError(t, err)

	assert.Equal(t, localCopy.Content, local.Content)
	assert.Equal(t, remoteCopy.Content, remote.Content)
	assert.Equal(t, localCopy.VectorClock, local.VectorClock)
	assert.Nil(t, local.Metadata)
}
