package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// Invoker runs capabilities through the envelope contract: access check,
// input hash, handler with panic containment, output hash, invocation record,
// tagged Result.
type Invoker struct {
	registry *Registry
	store    Store
	observer InvokeObserver
	clock    contracts.Clock
	logger   *slog.Logger
}

// InvokeObserver is called once per recorded invocation, after the handler
// ran. Gate rejections never reach it.
type InvokeObserver func(ctx context.Context, capabilityID string, elapsed time.Duration, success bool)

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerClock overrides the time source, mainly for tests.
func WithInvokerClock(clock contracts.Clock) InvokerOption {
	return func(i *Invoker) { i.clock = clock }
}

// WithInvokerLogger overrides the default logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = logger }
}

// WithInvokeObserver forwards invocation durations to an external sink,
// such as a metrics provider.
func WithInvokeObserver(fn InvokeObserver) InvokerOption {
	return func(i *Invoker) { i.observer = fn }
}

// NewInvoker wires an Invoker to its registry and invocation store.
func NewInvoker(registry *Registry, store Store, opts ...InvokerOption) *Invoker {
	inv := &Invoker{registry: registry, store: store, clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs the capability and returns its typed envelope. Values enter
// the envelope only through this path, so a raw T can never pose as a
// verified result downstream.
func Invoke[T any](ctx context.Context, inv *Invoker, caller contracts.InvocationContext, id string, input any, parents ...contracts.Envelope) contracts.Result[T] {
	value, prov, fault := inv.run(ctx, caller, id, input, parents)
	if fault != nil {
		return contracts.Fail[T](fault, prov)
	}
	if value == nil {
		var zero T
		return contracts.Ok(zero, prov)
	}
	typed, ok := value.(T)
	if !ok {
		return contracts.Fail[T](contracts.Faultf(contracts.CodeUnexpected,
			"capability %s produced %T, caller expected different type", id, value), prov)
	}
	return contracts.Ok(typed, prov)
}

// run is the untyped invocation core shared by every Invoke instantiation.
func (inv *Invoker) run(ctx context.Context, caller contracts.InvocationContext, id string, input any, parents []contracts.Envelope) (any, contracts.Provenance, *contracts.Fault) {
	startedAt := inv.clock().UTC()
	prov := contracts.Provenance{
		InvocationID: uuid.NewString(),
		CapabilityID: id,
		Timestamp:    startedAt,
	}

	def, err := inv.registry.Definition(id)
	if err != nil {
		return nil, prov, contracts.AsFault(err)
	}
	prov.CapabilityVersion = def.Version

	parentProvs, fault := inv.canInvoke(ctx, def, caller, parents)
	if fault != nil {
		return nil, prov, fault
	}

	if def.compiled != nil {
		if err := def.compiled.Validate(input); err != nil {
			return nil, prov, contracts.WrapFault(contracts.CodeInvalidInput,
				fmt.Sprintf("capability %s input rejected by schema", id), err)
		}
	}

	inputHash, err := canonical.Hash(input)
	if err != nil {
		return nil, prov, contracts.WrapFault(contracts.CodeInvalidInput,
			fmt.Sprintf("capability %s input is not hashable", id), err)
	}
	prov.InputHash = inputHash

	record := Invocation{
		ID:           prov.InvocationID,
		CapabilityID: def.ID,
		Version:      def.Version,
		CallerID:     caller.ChittyID,
		CallerKind:   caller.Kind,
		Grade:        caller.Grade(),
		InputHash:    inputHash,
		StartedAt:    startedAt,
		ParentIDs:    invocationIDs(parentProvs),
	}

	value, handlerErr := inv.runHandler(ctx, def, Request{Caller: caller, Input: input, Parents: parentProvs})
	elapsed := inv.clock().UTC().Sub(startedAt)
	record.DurationMS = elapsed.Milliseconds()

	var outFault *contracts.Fault
	if handlerErr != nil {
		outFault = contracts.AsFault(handlerErr)
		record.Success = false
		record.ErrorCode = outFault.Code
	} else {
		outputHash, err := canonical.Hash(value)
		if err != nil {
			outFault = contracts.WrapFault(contracts.CodeUnexpected,
				fmt.Sprintf("capability %s output is not hashable", id), err)
			record.Success = false
			record.ErrorCode = outFault.Code
		} else {
			record.Success = true
			record.OutputHash = outputHash
		}
	}

	// Record persistence is fire-and-forget: a store outage must not turn a
	// completed handler run into a caller-visible failure.
	if err := inv.store.RecordInvocation(ctx, record); err != nil {
		inv.logger.Error("capability invocation not recorded",
			"capability_id", def.ID, "invocation_id", record.ID, "error", err)
	}
	if inv.observer != nil {
		inv.observer(ctx, def.ID, elapsed, record.Success)
	}

	if outFault != nil {
		return nil, prov, outFault
	}
	return value, prov, nil
}

// canInvoke gates the invocation on grade, lifecycle status, and parent
// provenance. Quarantined capabilities carry their own code so callers can
// distinguish policy quarantine from plain permission denial.
func (inv *Invoker) canInvoke(ctx context.Context, def Definition, caller contracts.InvocationContext, parents []contracts.Envelope) ([]contracts.Provenance, *contracts.Fault) {
	if def.Status == contracts.StatusQuarantined {
		return nil, contracts.Faultf(contracts.CodeCapabilityQuarantined,
			"capability %s is quarantined", def.ID)
	}
	if !def.Status.Invocable() {
		return nil, contracts.Faultf(contracts.CodeAccessDenied,
			"capability %s is %s", def.ID, def.Status)
	}
	if !caller.Grade().AtLeast(def.RequiredGrade) {
		return nil, contracts.Faultf(contracts.CodeAccessDenied,
			"capability %s requires grade %s, caller holds %s", def.ID, def.RequiredGrade, caller.Grade())
	}

	provs := make([]contracts.Provenance, 0, len(parents))
	byCapability := make(map[string]bool, len(parents))
	for _, parent := range parents {
		prov, fault := inv.verifyParent(ctx, def.ID, parent)
		if fault != nil {
			return nil, fault
		}
		provs = append(provs, prov)
		byCapability[prov.CapabilityID] = true
	}
	for _, dep := range def.Dependencies {
		if !byCapability[dep] {
			return nil, contracts.Faultf(contracts.CodeAccessDenied,
				"capability %s requires a successful %s result as input", def.ID, dep)
		}
	}
	return provs, nil
}

// verifyParent accepts a chained envelope only when it reports success and
// its provenance resolves to a recorded successful invocation. Envelopes
// restored from the wire earn trust here, not at unmarshal time.
func (inv *Invoker) verifyParent(ctx context.Context, capabilityID string, parent contracts.Envelope) (contracts.Provenance, *contracts.Fault) {
	if parent == nil || !parent.OKEnvelope() {
		return contracts.Provenance{}, contracts.Faultf(contracts.CodeAccessDenied,
			"capability %s given a failed or untagged parent result", capabilityID)
	}
	prov := parent.EnvelopeProvenance()
	if prov.InvocationID == "" {
		return contracts.Provenance{}, contracts.Faultf(contracts.CodeAccessDenied,
			"capability %s given a parent result without provenance", capabilityID)
	}
	recorded, err := inv.store.Invocation(ctx, prov.InvocationID)
	if err != nil {
		return contracts.Provenance{}, contracts.Faultf(contracts.CodeAccessDenied,
			"capability %s parent invocation %s is not on record", capabilityID, prov.InvocationID)
	}
	if !recorded.Success || recorded.CapabilityID != prov.CapabilityID || recorded.InputHash != prov.InputHash {
		return contracts.Provenance{}, contracts.Faultf(contracts.CodeAccessDenied,
			"capability %s parent provenance %s does not match its record", capabilityID, prov.InvocationID)
	}
	return prov, nil
}

// runHandler contains handler panics and surfaces them as faults so one bad
// capability cannot take down the process.
func (inv *Invoker) runHandler(ctx context.Context, def Definition, req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("capability handler panicked", "capability_id", def.ID, "panic", r)
			err = contracts.Faultf(contracts.CodePipelineFailure, "capability %s panicked: %v", def.ID, r)
			value = nil
		}
	}()
	return def.Handler(ctx, req)
}

func invocationIDs(provs []contracts.Provenance) []string {
	if len(provs) == 0 {
		return nil
	}
	out := make([]string, len(provs))
	for i, p := range provs {
		out[i] = p.InvocationID
	}
	return out
}
