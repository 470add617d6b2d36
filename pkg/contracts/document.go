package contracts

import "time"

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is a tracked evidence artifact. ContentHash is unique across the
// live corpus; supersession is recorded by explicit pointer pair rather than
// deletion.
type Document struct {
	ID           string         `json:"id"`
	ContentHash  string         `json:"content_hash"`
	FileName     string         `json:"file_name"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mime_type"`
	Type         string         `json:"type"`
	OCRText      string         `json:"ocr_text,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       DocumentStatus `json:"status"`
	Supersedes   string         `json:"supersedes,omitempty"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Entity is a named party extracted from evidence. Merged entities keep a
// pointer to their canonical survivor; readers follow the pointer chain.
type Entity struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	NormalizedName string            `json:"normalized_name"`
	Identifiers    map[string]string `json:"identifiers,omitempty"`
	MergedInto     string            `json:"merged_into,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// MaxMergeDepth caps entity merge-pointer traversal. Chains deeper than this
// indicate a corrupt graph and fail with INTEGRITY_BREAK.
const MaxMergeDepth = 5

// AuthorityGrant records one entity granting authority to another, anchored
// to the document that evidences the grant.
type AuthorityGrant struct {
	ID              string     `json:"id"`
	DocumentID      string     `json:"document_id"`
	GrantorEntityID string     `json:"grantor_entity_id"`
	GranteeEntityID string     `json:"grantee_entity_id"`
	AuthorityType   string     `json:"authority_type"`
	Scope           string     `json:"scope"`
	EffectiveAt     *time.Time `json:"effective_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Active          bool       `json:"active"`
	RevokedBy       string     `json:"revoked_by,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Validate enforces the grant window invariant: effective_at must not follow
// expires_at when both are present.
func (g *AuthorityGrant) Validate() error {
	if g.EffectiveAt != nil && g.ExpiresAt != nil && g.EffectiveAt.After(*g.ExpiresAt) {
		return Faultf(CodeInvalidInput, "authority grant %s: effective_at after expires_at", g.ID)
	}
	return nil
}

// ExpiredAt reports whether the grant window has lapsed at the given instant.
func (g *AuthorityGrant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}
