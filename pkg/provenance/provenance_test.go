package provenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
)

func testClock() contracts.Clock {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	return func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
}

func recordN(t *testing.T, svc *Service, n int) []contracts.ProvenanceRecord {
	t.Helper()
	ctx := context.Background()
	var records []contracts.ProvenanceRecord
	var prev map[string]any
	for i := 0; i < n; i++ {
		state := map[string]any{"revision": i, "status": "processing"}
		rec, err := svc.Record(ctx, RecordInput{
			EntityType:    "document",
			EntityID:      "doc-1",
			Action:        "update",
			PreviousState: prev,
			NewState:      state,
			ActorID:       "actor-a",
		})
		require.NoError(t, err)
		records = append(records, rec)
		prev = state
	}
	return records
}

func TestRecordBuildsLinkedChain(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, WithClock(testClock()))

	records := recordN(t, svc, 3)

	chain, err := svc.Chain(context.Background(), "document", "doc-1")
	require.NoError(t, err)
	require.Len(t, chain, 3)

	assert.Empty(t, chain[0].PreviousStateHash, "nil previous state leaves first prev hash empty")
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].NewStateHash, chain[i].PreviousStateHash, "link %d", i)
	}
	assert.Equal(t, records[2].NewStateHash, chain[2].NewStateHash)

	verification, err := svc.Verify(context.Background(), "document", "doc-1")
	require.NoError(t, err)
	assert.True(t, verification.Valid)
	assert.Equal(t, 3, verification.ChainLength)
	assert.Empty(t, verification.Breaks)
}

func TestRecordDelta(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithClock(testClock()))
	ctx := context.Background()

	prev := map[string]any{"status": "pending", "owner": "alice"}
	next := map[string]any{"status": "processed", "size": float64(10)}

	rec, err := svc.Record(ctx, RecordInput{
		EntityType: "document", EntityID: "doc-2", Action: "process",
		PreviousState: prev, NewState: next, ActorID: "actor-a",
	})
	require.NoError(t, err)

	require.Len(t, rec.Delta, 3)
	change := rec.Delta["status"].(canonical.FieldChange)
	assert.Equal(t, "pending", change.Old)
	assert.Equal(t, "processed", change.New)
}

func TestRecordHashDeterminism(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithClock(testClock()))
	ctx := context.Background()

	r1, err := svc.Record(ctx, RecordInput{
		EntityType: "document", EntityID: "a", Action: "create",
		NewState: map[string]any{"x": 1, "y": 2}, ActorID: "actor",
	})
	require.NoError(t, err)

	r2, err := svc.Record(ctx, RecordInput{
		EntityType: "document", EntityID: "b", Action: "create",
		NewState: map[string]any{"y": 2, "x": 1}, ActorID: "actor",
	})
	require.NoError(t, err)

	assert.Equal(t, r1.NewStateHash, r2.NewStateHash, "field order does not change the hash")
}

func TestRecordStaleWriteRejected(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithClock(testClock()))
	ctx := context.Background()

	_, err := svc.Record(ctx, RecordInput{
		EntityType: "document", EntityID: "doc-3", Action: "create",
		NewState: map[string]any{"v": 1}, ActorID: "actor",
	})
	require.NoError(t, err)

	_, err = svc.Record(ctx, RecordInput{
		EntityType: "document", EntityID: "doc-3", Action: "update",
		PreviousState: map[string]any{"v": 99},
		NewState:      map[string]any{"v": 2},
		ActorID:       "actor",
	})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeStaleWrite, contracts.FaultCode(err))
}

func TestRecordValidation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Record(ctx, RecordInput{EntityID: "x", Action: "a", NewState: map[string]any{}})
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))

	_, err = svc.Record(ctx, RecordInput{EntityType: "document", EntityID: "x", Action: "a"})
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))
}

func TestVerifyDetectsBreak(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, WithClock(testClock()))

	records := recordN(t, svc, 4)

	store.Corrupt("document", "doc-1", 2, func(rec *contracts.ProvenanceRecord) {
		rec.PreviousStateHash = "deadbeef"
	})

	verification, err := svc.Verify(context.Background(), "document", "doc-1")
	require.NoError(t, err)
	assert.False(t, verification.Valid)
	require.Len(t, verification.Breaks, 1)

	brk := verification.Breaks[0]
	assert.Equal(t, 2, brk.Index)
	assert.Equal(t, records[1].NewStateHash, brk.Expected)
	assert.Equal(t, "deadbeef", brk.Actual)
	assert.Equal(t, records[2].ID, brk.RecordID)
}

func TestVerifyEmptyChainIsValid(t *testing.T) {
	svc := NewService(NewMemoryStore())
	verification, err := svc.Verify(context.Background(), "document", "nope")
	require.NoError(t, err)
	assert.True(t, verification.Valid)
	assert.Zero(t, verification.ChainLength)
}

func TestCertifyAppendsSyntheticRecord(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, WithClock(testClock()))

	recordN(t, svc, 2)
	ctx := context.Background()

	cert, err := svc.Certify(ctx, "document", "doc-1", "actor-a", "inv-42", "quarterly audit")
	require.NoError(t, err)
	assert.Equal(t, 2, cert.ChainLength)
	assert.Equal(t, "inv-42", cert.CertifiedBy)
	assert.Equal(t, "quarterly audit", cert.CertifierNotes)

	chain, err := svc.Chain(ctx, "document", "doc-1")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	last := chain[2]
	assert.Equal(t, ActionCertifyChain, last.Action)
	assert.Equal(t, last.PreviousStateHash, last.NewStateHash, "certification does not change state")
	assert.Contains(t, last.Attestations, "invocation:inv-42")

	verification, err := svc.Verify(ctx, "document", "doc-1")
	require.NoError(t, err)
	assert.True(t, verification.Valid, "chain stays valid after certification")
}

func TestCertifyRefusesBrokenChain(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, WithClock(testClock()))
	recordN(t, svc, 3)

	store.Corrupt("document", "doc-1", 1, func(rec *contracts.ProvenanceRecord) {
		rec.PreviousStateHash = "tampered"
	})

	_, err := svc.Certify(context.Background(), "document", "doc-1", "actor-a", "inv-1", "")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeIntegrityBreak, contracts.FaultCode(err))
}

func TestCertifyRefusesEmptyChain(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.Certify(context.Background(), "document", "missing", "actor-a", "inv-1", "")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeUnknownResource, contracts.FaultCode(err))
}

func TestMemoryStoreRejectsDivergentAppend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, contracts.ProvenanceRecord{
		ID: "r1", EntityType: "document", EntityID: "d", NewStateHash: "h1",
	}))
	err := store.Append(ctx, contracts.ProvenanceRecord{
		ID: "r2", EntityType: "document", EntityID: "d",
		PreviousStateHash: "other", NewStateHash: "h2",
	})
	assert.ErrorIs(t, err, ErrChainDiverged)
}
