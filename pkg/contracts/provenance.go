package contracts

import "time"

// ProvenanceRecord is one link in the hash chain kept per
// (entity_type, entity_id). For every record after the first,
// previous_state_hash equals the predecessor's new_state_hash.
type ProvenanceRecord struct {
	ID                string         `json:"id"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	Action            string         `json:"action"`
	ActorID           string         `json:"actor_id"`
	SessionID         string         `json:"session_id,omitempty"`
	PreviousStateHash string         `json:"previous_state_hash,omitempty"`
	NewStateHash      string         `json:"new_state_hash"`
	Delta             map[string]any `json:"delta,omitempty"`
	Attestations      []string       `json:"attestations,omitempty"`
	RecordedAt        time.Time      `json:"recorded_at"`
}

// ChainBreak pinpoints a discontinuity found while verifying a chain.
type ChainBreak struct {
	Index    int    `json:"index"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	RecordID string `json:"record_id"`
}

// ChainVerification is the result of walking one provenance chain.
type ChainVerification struct {
	Valid       bool         `json:"valid"`
	ChainLength int          `json:"chain_length"`
	Breaks      []ChainBreak `json:"breaks,omitempty"`
	VerifiedAt  time.Time    `json:"verified_at"`
}

// Certification attests that a chain verified cleanly at a point in time.
// CertifiedBy references the capability invocation that ran the verification.
type Certification struct {
	ID             string    `json:"id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	ChainLength    int       `json:"chain_length"`
	HeadHash       string    `json:"head_hash"`
	CertifierNotes string    `json:"certifier_notes,omitempty"`
	CertifiedBy    string    `json:"certified_by"`
	CertifiedAt    time.Time `json:"certified_at"`
}
