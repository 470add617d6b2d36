package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Embedding is a dense vector over document text.
type Embedding []float32

// Embedder turns text into a vector. Real providers live outside this
// module; deployments plug one in through the composition root.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// VectorStore persists and searches embeddings.
type VectorStore interface {
	Store(ctx context.Context, id string, text string, vector Embedding, metadata map[string]string) error
	Search(ctx context.Context, vector Embedding, limit int) ([]VectorHit, error)
}

// VectorHit is one nearest-neighbor result.
type VectorHit struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// PGVectorStore stores embeddings in postgres via the pgvector extension.
type PGVectorStore struct {
	db *sql.DB
}

// NewPGVectorStore wraps an open database handle. The target database must
// have `CREATE EXTENSION vector` applied.
func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

const embeddingsSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	id TEXT PRIMARY KEY,
	vector vector(1536) NOT NULL,
	text TEXT NOT NULL,
	metadata JSONB
);
`

// Init creates the schema.
func (p *PGVectorStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, embeddingsSchema)
	return err
}

// Store implements VectorStore.
func (p *PGVectorStore) Store(ctx context.Context, id string, text string, vector Embedding, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO embeddings (id, vector, text, metadata)
		VALUES ($1, $2::vector, $3, $4)
		ON CONFLICT (id) DO UPDATE SET vector = $2::vector, text = $3, metadata = $4`
	_, err = p.db.ExecContext(ctx, q, id, pgvectorLiteral(vector), text, meta)
	return err
}

// Search implements VectorStore using cosine distance.
func (p *PGVectorStore) Search(ctx context.Context, vector Embedding, limit int) ([]VectorHit, error) {
	const q = `
		SELECT id, text, metadata, 1 - (vector <=> $1::vector) AS score
		FROM embeddings
		ORDER BY vector <=> $1::vector
		LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, pgvectorLiteral(vector), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		var meta []byte
		if err := rows.Scan(&h.ID, &h.Text, &meta, &h.Score); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &h.Metadata)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// pgvectorLiteral renders a vector in pgvector's input format: [1,2,3].
func pgvectorLiteral(v Embedding) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// MemoryVectorStore keeps embeddings in process memory. Used in tests and
// memory-mode deployments where postgres is absent.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	entries map[string]memoryVector
}

type memoryVector struct {
	text     string
	vector   Embedding
	metadata map[string]string
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{entries: make(map[string]memoryVector)}
}

// Store implements VectorStore.
func (m *MemoryVectorStore) Store(_ context.Context, id string, text string, vector Embedding, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = memoryVector{text: text, vector: vector, metadata: metadata}
	return nil
}

// Search implements VectorStore by brute-force cosine similarity.
func (m *MemoryVectorStore) Search(_ context.Context, vector Embedding, limit int) ([]VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]VectorHit, 0, len(m.entries))
	for id, e := range m.entries {
		hits = append(hits, VectorHit{
			ID:       id,
			Text:     e.text,
			Score:    cosineSimilarity(vector, e.vector),
			Metadata: e.metadata,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosineSimilarity(a, b Embedding) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MemoryEmbedder derives a deterministic pseudo-embedding from token
// hashes. Not semantically meaningful, but stable: identical text maps to
// the same vector and shared tokens overlap, which is enough for tests
// and memory-mode deployments.
type MemoryEmbedder struct{}

const memoryEmbeddingDim = 64

// Embed implements Embedder.
func (MemoryEmbedder) Embed(_ context.Context, text string) (Embedding, error) {
	vec := make(Embedding, memoryEmbeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		vec[int(sum[0])%memoryEmbeddingDim]++
	}
	var norm float64
	for _, f := range vec {
		norm += float64(f) * float64(f)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
