package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// PostgresDocuments is the durable corpus backend.
type PostgresDocuments struct {
	db *sql.DB
}

// NewPostgresDocuments wraps an open database handle.
func NewPostgresDocuments(db *sql.DB) *PostgresDocuments {
	return &PostgresDocuments{db: db}
}

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	content_hash TEXT UNIQUE NOT NULL,
	file_name TEXT NOT NULL,
	size BIGINT NOT NULL,
	mime_type TEXT NOT NULL,
	type TEXT NOT NULL,
	ocr_text TEXT,
	metadata JSONB,
	status TEXT NOT NULL,
	supersedes TEXT,
	superseded_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_created
	ON documents (created_at, id);
`

// Init creates the schema.
func (p *PostgresDocuments) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, documentsSchema)
	return err
}

const documentColumns = `id, content_hash, file_name, size, mime_type, type,
	ocr_text, metadata, status, supersedes, superseded_by, created_at, updated_at`

// Create implements Documents.
func (p *PostgresDocuments) Create(ctx context.Context, doc contracts.Document) error {
	metadata, err := marshalDocumentMetadata(doc)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		doc.ID, doc.ContentHash, doc.FileName, doc.Size, doc.MimeType, doc.Type,
		nullable(doc.OCRText), metadata, string(doc.Status),
		nullable(doc.Supersedes), nullable(doc.SupersededBy), doc.CreatedAt, doc.UpdatedAt,
	)
	if isUniqueViolation(err, "documents_content_hash_key") {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get implements Documents.
func (p *PostgresDocuments) Get(ctx context.Context, id string) (contracts.Document, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// GetByContentHash implements Documents.
func (p *PostgresDocuments) GetByContentHash(ctx context.Context, hash string) (contracts.Document, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE content_hash = $1`, hash)
	return scanDocument(row)
}

// Update implements Documents.
func (p *PostgresDocuments) Update(ctx context.Context, doc contracts.Document) error {
	metadata, err := marshalDocumentMetadata(doc)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE documents SET
			content_hash = $2, file_name = $3, size = $4, mime_type = $5, type = $6,
			ocr_text = $7, metadata = $8, status = $9, supersedes = $10,
			superseded_by = $11, updated_at = $12
		 WHERE id = $1`,
		doc.ID, doc.ContentHash, doc.FileName, doc.Size, doc.MimeType, doc.Type,
		nullable(doc.OCRText), metadata, string(doc.Status),
		nullable(doc.Supersedes), nullable(doc.SupersededBy), doc.UpdatedAt,
	)
	if isUniqueViolation(err, "documents_content_hash_key") {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PageDocuments implements Documents.
func (p *PostgresDocuments) PageDocuments(ctx context.Context, createdAfter time.Time, afterID string, limit int) ([]contracts.Document, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE id > $1 AND ($2::timestamptz IS NULL OR created_at > $2)
		 ORDER BY id ASC
		 LIMIT $3`,
		afterID, nullableTime(createdAfter), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("page documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (contracts.Document, error) {
	var (
		doc                               contracts.Document
		ocrText, supersedes, supersededBy sql.NullString
		metadata                          []byte
		status                            string
	)
	err := row.Scan(&doc.ID, &doc.ContentHash, &doc.FileName, &doc.Size, &doc.MimeType,
		&doc.Type, &ocrText, &metadata, &status, &supersedes, &supersededBy,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Document{}, ErrNotFound
	}
	if err != nil {
		return contracts.Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.OCRText = ocrText.String
	doc.Supersedes = supersedes.String
	doc.SupersededBy = supersededBy.String
	doc.Status = contracts.DocumentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return contracts.Document{}, fmt.Errorf("corrupt document metadata for %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func marshalDocumentMetadata(doc contracts.Document) ([]byte, error) {
	if doc.Metadata == nil {
		return nil, nil
	}
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal document metadata: %w", err)
	}
	return metadata, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
	}
	return false
}
