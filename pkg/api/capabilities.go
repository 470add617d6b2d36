package api

import (
	"context"
	"encoding/json"

	"github.com/chittyos/chittycore/pkg/capability"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/provenance"
)

// Core capability ids. The /v2/provenance routes invoke these instead of
// calling the service directly, so every call leaves an invocation record
// and honors rollout status.
const (
	CapProvenanceRecord  = "evidence.provenance.record"
	CapProvenanceVerify  = "evidence.provenance.verify"
	CapProvenanceCertify = "evidence.provenance.certify"
)

// defaultDemoteRule quarantines a capability whose failure rate exceeds a
// quarter of invocations over the trailing six hours.
var defaultDemoteRule = capability.RolloutRule{
	Gate:         capability.GateFailureRate,
	Threshold:    0.25,
	Direction:    capability.Demote,
	TargetStatus: contracts.StatusQuarantined,
	WindowHours:  6,
}

const provenanceRecordSchema = `{
	"type": "object",
	"required": ["entity_type", "entity_id", "action"],
	"properties": {
		"entity_type": {"type": "string", "minLength": 1},
		"entity_id": {"type": "string", "minLength": 1},
		"action": {"type": "string", "minLength": 1},
		"previous_state": {"type": "object"},
		"new_state": {"type": "object"},
		"session_id": {"type": "string"},
		"attestations": {"type": "array", "items": {"type": "string"}}
	}
}`

const provenanceTargetSchema = `{
	"type": "object",
	"required": ["entity_type", "entity_id"],
	"properties": {
		"entity_type": {"type": "string", "minLength": 1},
		"entity_id": {"type": "string", "minLength": 1}
	}
}`

// RegisterCoreCapabilities installs the built-in provenance capabilities.
// Handlers receive schema-validated JSON trees and rebind them to the
// service's typed inputs.
func RegisterCoreCapabilities(reg *capability.Registry, prov *provenance.Service) error {
	defs := []capability.Definition{
		{
			ID:            CapProvenanceRecord,
			Name:          "Record provenance",
			Version:       "1.0.0",
			Domain:        "evidence",
			Status:        contracts.StatusGeneral,
			RequiredGrade: contracts.GradeC,
			RolloutRules:  []capability.RolloutRule{defaultDemoteRule},
			Tags:          []string{"provenance", "write"},
			InputSchema:   provenanceRecordSchema,
			Handler:       recordHandler(prov),
		},
		{
			ID:            CapProvenanceVerify,
			Name:          "Verify provenance chain",
			Version:       "1.0.0",
			Domain:        "evidence",
			Status:        contracts.StatusGeneral,
			RequiredGrade: contracts.GradeD,
			RolloutRules:  []capability.RolloutRule{defaultDemoteRule},
			Tags:          []string{"provenance", "read"},
			InputSchema:   provenanceTargetSchema,
			Handler:       verifyHandler(prov),
		},
		{
			ID:            CapProvenanceCertify,
			Name:          "Certify provenance chain",
			Version:       "1.0.0",
			Domain:        "evidence",
			Status:        contracts.StatusLimited,
			RequiredGrade: contracts.GradeB,
			RolloutRules:  []capability.RolloutRule{defaultDemoteRule},
			Tags:          []string{"provenance", "write"},
			InputSchema:   provenanceTargetSchema,
			Handler:       certifyHandler(prov),
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts a schema-validated JSON tree into a typed value.
func rebind(input any, dst any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return contracts.WrapFault(contracts.CodeInvalidInput, "input is not serializable", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return contracts.WrapFault(contracts.CodeInvalidInput, "input does not bind", err)
	}
	return nil
}

func recordHandler(prov *provenance.Service) capability.Handler {
	return func(ctx context.Context, req capability.Request) (any, error) {
		var in struct {
			EntityType    string         `json:"entity_type"`
			EntityID      string         `json:"entity_id"`
			Action        string         `json:"action"`
			PreviousState map[string]any `json:"previous_state"`
			NewState      map[string]any `json:"new_state"`
			SessionID     string         `json:"session_id"`
			Attestations  []string       `json:"attestations"`
		}
		if err := rebind(req.Input, &in); err != nil {
			return nil, err
		}
		return prov.Record(ctx, provenance.RecordInput{
			EntityType:    in.EntityType,
			EntityID:      in.EntityID,
			Action:        in.Action,
			PreviousState: in.PreviousState,
			NewState:      in.NewState,
			ActorID:       req.Caller.ChittyID,
			SessionID:     in.SessionID,
			Attestations:  in.Attestations,
		})
	}
}

func verifyHandler(prov *provenance.Service) capability.Handler {
	return func(ctx context.Context, req capability.Request) (any, error) {
		var in struct {
			EntityType string `json:"entity_type"`
			EntityID   string `json:"entity_id"`
		}
		if err := rebind(req.Input, &in); err != nil {
			return nil, err
		}
		return prov.Verify(ctx, in.EntityType, in.EntityID)
	}
}

func certifyHandler(prov *provenance.Service) capability.Handler {
	return func(ctx context.Context, req capability.Request) (any, error) {
		var in struct {
			EntityType   string `json:"entity_type"`
			EntityID     string `json:"entity_id"`
			InvocationID string `json:"invocation_id"`
			Notes        string `json:"notes"`
		}
		if err := rebind(req.Input, &in); err != nil {
			return nil, err
		}
		return prov.Certify(ctx, in.EntityType, in.EntityID, req.Caller.ChittyID, in.InvocationID, in.Notes)
	}
}
