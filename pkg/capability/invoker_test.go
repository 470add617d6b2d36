package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/contracts"
)

func testClock() contracts.Clock {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	return func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Millisecond)
	}
}

func trustedCaller() contracts.InvocationContext {
	return contracts.InvocationContext{ChittyID: "caller-1", Kind: contracts.ContextSession, TrustScore: 92}
}

func echoDefinition(id string) Definition {
	return Definition{
		ID:      id,
		Name:    "Echo",
		Version: "1.0.0",
		Domain:  "test",
		Status:  contracts.StatusGeneral,
		Handler: func(_ context.Context, req Request) (any, error) {
			return req.Input, nil
		},
	}
}

func newHarness(t *testing.T, defs ...Definition) (*Invoker, *Registry, *MemoryStore) {
	t.Helper()
	registry := NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	store := NewMemoryStore()
	return NewInvoker(registry, store, WithInvokerClock(testClock())), registry, store
}

func TestInvokeSuccessPersistsRecord(t *testing.T) {
	inv, _, store := newHarness(t, echoDefinition("test.echo"))
	ctx := context.Background()

	result := Invoke[map[string]any](ctx, inv, trustedCaller(), "test.echo", map[string]any{"msg": "hi"})
	require.True(t, result.OK())

	value, err := result.Value()
	require.NoError(t, err)
	assert.Equal(t, "hi", value["msg"])

	prov := result.Provenance()
	assert.Equal(t, "test.echo", prov.CapabilityID)
	assert.Equal(t, "1.0.0", prov.CapabilityVersion)
	assert.NotEmpty(t, prov.InputHash)

	record, err := store.Invocation(ctx, prov.InvocationID)
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, prov.InputHash, record.InputHash)
	assert.NotEmpty(t, record.OutputHash)
	assert.Equal(t, contracts.GradeA, record.Grade)
}

func TestInvokeDeniedBelowGrade(t *testing.T) {
	def := echoDefinition("test.secure")
	def.RequiredGrade = contracts.GradeB
	inv, _, store := newHarness(t, def)

	weak := contracts.InvocationContext{ChittyID: "caller-2", Kind: contracts.ContextSession, TrustScore: 50}
	result := Invoke[any](context.Background(), inv, weak, "test.secure", map[string]any{})
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeAccessDenied, result.Fault().Code)

	// Denials never reach the invocation store, so rollout metrics only see
	// handler runs.
	_, err := store.Invocation(context.Background(), result.Provenance().InvocationID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvokeDeniedByStatus(t *testing.T) {
	deprecated := echoDefinition("test.old")
	deprecated.Status = contracts.StatusDeprecated
	quarantined := echoDefinition("test.bad")
	quarantined.Status = contracts.StatusQuarantined
	inv, _, _ := newHarness(t, deprecated, quarantined)
	ctx := context.Background()

	result := Invoke[any](ctx, inv, trustedCaller(), "test.old", map[string]any{})
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeAccessDenied, result.Fault().Code)

	result = Invoke[any](ctx, inv, trustedCaller(), "test.bad", map[string]any{})
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeCapabilityQuarantined, result.Fault().Code)
}

func TestInvokeUnknownCapability(t *testing.T) {
	inv, _, _ := newHarness(t)
	result := Invoke[any](context.Background(), inv, trustedCaller(), "test.missing", nil)
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeUnknownResource, result.Fault().Code)
}

func TestInvokeHandlerFaultSurfaces(t *testing.T) {
	def := Definition{
		ID: "test.fails", Name: "Fails", Version: "0.1.0", Status: contracts.StatusGeneral,
		Handler: func(_ context.Context, _ Request) (any, error) {
			return nil, contracts.NewFault(contracts.CodeUpstreamTimeout, "backend slow")
		},
	}
	inv, _, store := newHarness(t, def)
	ctx := context.Background()

	result := Invoke[any](ctx, inv, trustedCaller(), "test.fails", map[string]any{})
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeUpstreamTimeout, result.Fault().Code)
	assert.True(t, result.Fault().Recoverable)

	record, err := store.Invocation(ctx, result.Provenance().InvocationID)
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Equal(t, contracts.CodeUpstreamTimeout, record.ErrorCode)
}

func TestInvokePanicContained(t *testing.T) {
	def := Definition{
		ID: "test.panics", Name: "Panics", Version: "0.1.0", Status: contracts.StatusGeneral,
		Handler: func(_ context.Context, _ Request) (any, error) {
			panic("boom")
		},
	}
	inv, _, store := newHarness(t, def)

	result := Invoke[any](context.Background(), inv, trustedCaller(), "test.panics", map[string]any{})
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodePipelineFailure, result.Fault().Code)

	record, err := store.Invocation(context.Background(), result.Provenance().InvocationID)
	require.NoError(t, err)
	assert.False(t, record.Success)
}

func TestInvokeSchemaValidation(t *testing.T) {
	def := echoDefinition("test.shaped")
	def.InputSchema = `{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string", "minLength": 1}}
	}`
	inv, _, _ := newHarness(t, def)
	ctx := context.Background()

	good := Invoke[map[string]any](ctx, inv, trustedCaller(), "test.shaped", map[string]any{"name": "ok"})
	assert.True(t, good.OK())

	bad := Invoke[map[string]any](ctx, inv, trustedCaller(), "test.shaped", map[string]any{"name": ""})
	require.False(t, bad.OK())
	assert.Equal(t, contracts.CodeInvalidInput, bad.Fault().Code)
}

func TestChainedInputRequiresVerifiedParent(t *testing.T) {
	parent := echoDefinition("test.parent")
	child := echoDefinition("test.child")
	child.Dependencies = []string{"test.parent"}
	inv, _, _ := newHarness(t, parent, child)
	ctx := context.Background()
	caller := trustedCaller()

	// No parent at all.
	bare := Invoke[any](ctx, inv, caller, "test.child", map[string]any{})
	require.False(t, bare.OK())
	assert.Equal(t, contracts.CodeAccessDenied, bare.Fault().Code)

	// A genuine upstream success passes and is threaded into the record.
	upstream := Invoke[map[string]any](ctx, inv, caller, "test.parent", map[string]any{"k": "v"})
	require.True(t, upstream.OK())

	chained := Invoke[map[string]any](ctx, inv, caller, "test.child", map[string]any{}, upstream)
	assert.True(t, chained.OK())
}

func TestChainedInputRejectsFailedParent(t *testing.T) {
	parent := Definition{
		ID: "test.parent", Name: "Parent", Version: "1.0.0", Status: contracts.StatusGeneral,
		Handler: func(_ context.Context, _ Request) (any, error) {
			return nil, errors.New("broken")
		},
	}
	child := echoDefinition("test.child")
	child.Dependencies = []string{"test.parent"}
	inv, _, _ := newHarness(t, parent, child)
	ctx := context.Background()
	caller := trustedCaller()

	failed := Invoke[any](ctx, inv, caller, "test.parent", map[string]any{})
	require.False(t, failed.OK())

	result := Invoke[any](ctx, inv, caller, "test.child", map[string]any{}, failed)
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeAccessDenied, result.Fault().Code)
}

func TestChainedInputRejectsFabricatedEnvelope(t *testing.T) {
	parent := echoDefinition("test.parent")
	child := echoDefinition("test.child")
	child.Dependencies = []string{"test.parent"}
	inv, _, _ := newHarness(t, parent, child)

	// An envelope forged on the wire is tagged and claims success, but its
	// invocation id resolves to nothing.
	forged := contracts.Ok[map[string]any](map[string]any{"k": "v"}, contracts.Provenance{
		InvocationID: "no-such-invocation",
		CapabilityID: "test.parent",
		InputHash:    "deadbeef",
	})
	result := Invoke[any](context.Background(), inv, trustedCaller(), "test.child", map[string]any{}, forged)
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeAccessDenied, result.Fault().Code)
}

func TestChainedInputRejectsUntaggedResult(t *testing.T) {
	parent := echoDefinition("test.parent")
	child := echoDefinition("test.child")
	child.Dependencies = []string{"test.parent"}
	inv, _, _ := newHarness(t, parent, child)

	var zero contracts.Result[map[string]any]
	result := Invoke[any](context.Background(), inv, trustedCaller(), "test.child", map[string]any{}, zero)
	require.False(t, result.OK())
	assert.Equal(t, contracts.CodeAccessDenied, result.Fault().Code)
}

func TestInvokeThreadsParentIDs(t *testing.T) {
	parent := echoDefinition("test.parent")
	child := echoDefinition("test.child")
	child.Dependencies = []string{"test.parent"}
	inv, _, store := newHarness(t, parent, child)
	ctx := context.Background()
	caller := trustedCaller()

	upstream := Invoke[map[string]any](ctx, inv, caller, "test.parent", map[string]any{"k": "v"})
	require.True(t, upstream.OK())

	chained := Invoke[map[string]any](ctx, inv, caller, "test.child", map[string]any{}, upstream)
	require.True(t, chained.OK())

	record, err := store.Invocation(ctx, chained.Provenance().InvocationID)
	require.NoError(t, err)
	require.Len(t, record.ParentIDs, 1)
	assert.Equal(t, upstream.Provenance().InvocationID, record.ParentIDs[0])
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Definition{ID: "x", Name: "X", Version: "not-semver",
		Handler: func(_ context.Context, _ Request) (any, error) { return nil, nil }})
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))

	err = registry.Register(Definition{ID: "x", Name: "X", Version: "1.0.0"})
	assert.Equal(t, contracts.CodeInvalidInput, contracts.FaultCode(err))

	err = registry.Register(Definition{ID: "x", Name: "X", Version: "1.0.0",
		Dependencies: []string{"missing.dep"},
		Handler:      func(_ context.Context, _ Request) (any, error) { return nil, nil }})
	assert.Equal(t, contracts.CodeUnknownResource, contracts.FaultCode(err))

	good := echoDefinition("x")
	require.NoError(t, registry.Register(good))
	err = registry.Register(good)
	assert.Equal(t, contracts.CodeDuplicateContent, contracts.FaultCode(err))
}

func TestRegistryDefaults(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(Definition{
		ID: "y", Name: "Y", Version: "0.1.0",
		Handler: func(_ context.Context, _ Request) (any, error) { return nil, nil },
	}))
	def, err := registry.Definition("y")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExperimental, def.Status)
	assert.Equal(t, contracts.GradeF, def.RequiredGrade)
}
