package corrections

import (
	"strings"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// RuleStatus is the lifecycle state of a correction rule. Only active rules
// are applied to documents; approved rules may be dry-run first.
type RuleStatus string

const (
	RuleDraft    RuleStatus = "draft"
	RuleApproved RuleStatus = "approved"
	RuleActive   RuleStatus = "active"
	RulePaused   RuleStatus = "paused"
	RuleRetired  RuleStatus = "retired"
)

// ruleTransitions enumerates the legal lifecycle edges. Retired is terminal.
var ruleTransitions = map[RuleStatus][]RuleStatus{
	RuleDraft:    {RuleApproved},
	RuleApproved: {RuleActive, RuleRetired},
	RuleActive:   {RulePaused, RuleRetired},
	RulePaused:   {RuleActive, RuleRetired},
	RuleRetired:  nil,
}

func canTransition(from, to RuleStatus) bool {
	for _, next := range ruleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CorrectionType selects how a rule rewrites the target field.
type CorrectionType string

const (
	// TypeSet replaces the field with a fixed value.
	TypeSet CorrectionType = "set"
	// TypeTransform rewrites the field through a named transform.
	TypeTransform CorrectionType = "transform"
	// TypeRemove clears the field; metadata keys are deleted outright.
	TypeRemove CorrectionType = "remove"
)

// Transform is a named, deterministic string rewrite.
type Transform string

const (
	TransformTrim                Transform = "trim"
	TransformUpper               Transform = "upper"
	TransformLower               Transform = "lower"
	TransformNormalizeWhitespace Transform = "normalize_whitespace"
)

// Correction is the typed rewrite a rule applies when its match criteria hold.
type Correction struct {
	Type      CorrectionType `json:"type"`
	Value     string         `json:"value,omitempty"`
	Transform Transform      `json:"transform,omitempty"`
}

// Validate checks the type/value/transform combination.
func (c Correction) Validate() error {
	switch c.Type {
	case TypeSet:
		if c.Value == "" {
			return contracts.NewFault(contracts.CodeInvalidInput, "set correction needs a value")
		}
		if c.Transform != "" {
			return contracts.NewFault(contracts.CodeInvalidInput, "set correction does not take a transform")
		}
	case TypeTransform:
		switch c.Transform {
		case TransformTrim, TransformUpper, TransformLower, TransformNormalizeWhitespace:
		default:
			return contracts.Faultf(contracts.CodeInvalidInput, "unknown transform %q", c.Transform)
		}
		if c.Value != "" {
			return contracts.NewFault(contracts.CodeInvalidInput, "transform correction does not take a value")
		}
	case TypeRemove:
		if c.Value != "" || c.Transform != "" {
			return contracts.NewFault(contracts.CodeInvalidInput, "remove correction takes neither value nor transform")
		}
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "unknown correction type %q", c.Type)
	}
	return nil
}

// Apply computes the corrected value from the current one.
func (c Correction) Apply(current string) (string, error) {
	switch c.Type {
	case TypeSet:
		return c.Value, nil
	case TypeTransform:
		return applyTransform(c.Transform, current)
	case TypeRemove:
		return "", nil
	default:
		return "", contracts.Faultf(contracts.CodeInvalidInput, "unknown correction type %q", c.Type)
	}
}

func applyTransform(t Transform, s string) (string, error) {
	switch t {
	case TransformTrim:
		return strings.TrimSpace(s), nil
	case TransformUpper:
		return strings.ToUpper(s), nil
	case TransformLower:
		return strings.ToLower(s), nil
	case TransformNormalizeWhitespace:
		return strings.Join(strings.Fields(s), " "), nil
	default:
		return "", contracts.Faultf(contracts.CodeInvalidInput, "unknown transform %q", t)
	}
}

// Rule is a declarative correction: a CEL match over the document plus a
// typed rewrite of one field.
type Rule struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Match            string     `json:"match"`
	Field            string     `json:"field"`
	Correction       Correction `json:"correction"`
	Status           RuleStatus `json:"status"`
	RequiresApproval bool       `json:"requires_approval"`
	CreatedBy        string     `json:"created_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ItemStatus is the state of one queued correction proposal.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemApproved   ItemStatus = "approved"
	ItemParked     ItemStatus = "parked"
	ItemApplied    ItemStatus = "applied"
	ItemRejected   ItemStatus = "rejected"
	ItemRolledBack ItemStatus = "rolled_back"
)

// openItemStatuses are the states in which a proposal still blocks a
// duplicate proposal for the same (rule, document, field).
var openItemStatuses = []ItemStatus{ItemPending, ItemApproved, ItemParked}

// QueueItem is one per-document correction proposal. CurrentValue is the
// field at proposal time; RollbackValue is captured at apply time so a
// rollback restores exactly what the apply overwrote.
type QueueItem struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id"`
	DocumentID    string     `json:"document_id"`
	Field         string     `json:"field"`
	CurrentValue  string     `json:"current_value"`
	ProposedValue string     `json:"proposed_value"`
	RollbackValue string     `json:"rollback_value,omitempty"`
	Status        ItemStatus `json:"status"`
	QueuedAt      time.Time  `json:"queued_at"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	AppliedBy     string     `json:"applied_by,omitempty"`
}

const (
	fieldOCRText        = "ocr_text"
	fieldFileName       = "file_name"
	fieldMetadataPrefix = "metadata."
)

func validateField(field string) error {
	switch {
	case field == fieldOCRText || field == fieldFileName:
		return nil
	case strings.HasPrefix(field, fieldMetadataPrefix) && len(field) > len(fieldMetadataPrefix):
		return nil
	default:
		return contracts.Faultf(contracts.CodeInvalidInput, "unsupported correction field %q", field)
	}
}

func fieldText(doc contracts.Document, field string) (string, bool) {
	switch {
	case field == fieldOCRText:
		return doc.OCRText, true
	case field == fieldFileName:
		return doc.FileName, true
	case strings.HasPrefix(field, fieldMetadataPrefix):
		key := strings.TrimPrefix(field, fieldMetadataPrefix)
		if v, ok := doc.Metadata[key].(string); ok {
			return v, true
		}
		return "", false
	default:
		return "", false
	}
}

// setFieldText writes text into the field, copying metadata so callers never
// mutate a shared map. remove deletes a metadata key instead of blanking it.
func setFieldText(doc *contracts.Document, field, text string, remove bool) {
	switch {
	case field == fieldOCRText:
		doc.OCRText = text
	case field == fieldFileName:
		doc.FileName = text
	case strings.HasPrefix(field, fieldMetadataPrefix):
		key := strings.TrimPrefix(field, fieldMetadataPrefix)
		meta := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		if remove {
			delete(meta, key)
		} else {
			meta[key] = text
		}
		doc.Metadata = meta
	}
}
