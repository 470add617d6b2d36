// Package capability is the envelope framework every domain operation runs
// through: definitions with semver versions and trust-grade requirements, an
// invoker that wraps handler runs in tagged Result envelopes, and a rollout
// engine that promotes or quarantines capabilities from observed metrics.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Handler executes the capability's effect. Input arrives already
// schema-validated; the returned value must be JSON-serializable so the
// invoker can hash it.
type Handler func(ctx context.Context, req Request) (any, error)

// Request carries everything a handler may consult during a run.
type Request struct {
	Caller  contracts.InvocationContext
	Input   any
	Parents []contracts.Provenance
}

// Definition declares one capability: identity, trust requirements, data-flow
// dependencies, rollout policy, and the handler.
type Definition struct {
	ID            string
	Name          string
	Version       string
	Domain        string
	Status        contracts.CapabilityStatus
	RequiredGrade contracts.Grade
	// Dependencies name upstream capabilities whose Success envelopes must
	// accompany every invocation as parents.
	Dependencies []string
	RolloutRules []RolloutRule
	Tags         []string
	// InputSchema is optional JSON Schema source, compiled at registration.
	InputSchema string
	Handler     Handler

	compiled *jsonschema.Schema
	version  *semver.Version
}

// Gate selects which windowed metric a rollout rule inspects.
type Gate string

const (
	GateUsageCount  Gate = "usage_count"
	GateSuccessRate Gate = "success_rate"
	GateFailureRate Gate = "failure_rate"
	GateDurationMS  Gate = "duration_ms"
)

// Direction is the transition sense of a rollout rule.
type Direction string

const (
	Promote Direction = "promote"
	Demote  Direction = "demote"
)

// RolloutRule is one ordered condition the engine evaluates on each tick.
// WindowHours of zero inherits the engine default.
type RolloutRule struct {
	Gate         Gate                       `json:"gate"`
	Threshold    float64                    `json:"threshold"`
	Direction    Direction                  `json:"direction"`
	TargetStatus contracts.CapabilityStatus `json:"target_status"`
	WindowHours  int                        `json:"window_hours,omitempty"`
}

// String renders the rule the way status history records it.
func (r RolloutRule) String() string {
	return fmt.Sprintf("%s:%s:%g->%s", r.Direction, r.Gate, r.Threshold, r.TargetStatus)
}

func (r RolloutRule) validate() error {
	switch r.Gate {
	case GateUsageCount, GateSuccessRate, GateFailureRate, GateDurationMS:
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "unknown rollout gate %q", r.Gate)
	}
	switch r.Direction {
	case Promote, Demote:
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "unknown rollout direction %q", r.Direction)
	}
	switch r.TargetStatus {
	case contracts.StatusExperimental, contracts.StatusLimited, contracts.StatusGeneral,
		contracts.StatusDeprecated, contracts.StatusQuarantined:
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "unknown rollout target %q", r.TargetStatus)
	}
	return nil
}

// Registry holds the registered capability definitions. Registration is
// append-only; only Status changes after the fact, driven by the rollout
// engine or manual restore.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition. Dependencies must already be
// registered so the capability graph stays acyclic by construction.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" || def.Name == "" {
		return contracts.NewFault(contracts.CodeInvalidInput, "capability requires id and name")
	}
	if def.Handler == nil {
		return contracts.Faultf(contracts.CodeInvalidInput, "capability %s has no handler", def.ID)
	}
	version, err := semver.NewVersion(def.Version)
	if err != nil {
		return contracts.WrapFault(contracts.CodeInvalidInput,
			fmt.Sprintf("capability %s version %q is not semver", def.ID, def.Version), err)
	}
	def.version = version
	if def.Status == "" {
		def.Status = contracts.StatusExperimental
	}
	if def.RequiredGrade == "" {
		def.RequiredGrade = contracts.GradeF
	}
	for _, rule := range def.RolloutRules {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("capability %s: %w", def.ID, err)
		}
	}
	if def.InputSchema != "" {
		compiled, err := compileSchema(def.ID, def.InputSchema)
		if err != nil {
			return err
		}
		def.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return contracts.Faultf(contracts.CodeDuplicateContent, "capability %s already registered", def.ID)
	}
	for _, dep := range def.Dependencies {
		if _, ok := r.defs[dep]; !ok {
			return contracts.Faultf(contracts.CodeUnknownResource,
				"capability %s depends on unregistered %s", def.ID, dep)
		}
	}
	r.defs[def.ID] = &def
	return nil
}

// Definition returns a snapshot of the registered definition.
func (r *Registry) Definition(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, contracts.Faultf(contracts.CodeUnknownResource, "capability %s not registered", id)
	}
	return *def, nil
}

// List returns snapshots of every definition, unordered.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, *def)
	}
	return out
}

// SetStatus transitions a capability's lifecycle status, returning the
// previous status.
func (r *Registry) SetStatus(id string, status contracts.CapabilityStatus) (contracts.CapabilityStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	if !ok {
		return "", contracts.Faultf(contracts.CodeUnknownResource, "capability %s not registered", id)
	}
	prev := def.Status
	def.Status = status
	return prev, nil
}

func compileSchema(id, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://chitty.schemas.local/capabilities/%s.schema.json", id)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("capability %s schema load failed: %w", id, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("capability %s schema compile failed: %w", id, err)
	}
	return compiled, nil
}
