package api

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/store"
)

// SearchHit is one scored match returned by /search.
type SearchHit struct {
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name,omitempty"`
	Type       string  `json:"type,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`
}

// Searcher answers free-text queries over the ingested corpus.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100

	// keywordScanBudget caps how many documents one keyword query walks.
	keywordScanBudget = 5000
	keywordPageSize   = 200
)

// KeywordSearcher scores documents by term overlap with the file name, OCR
// text, and metadata values. It is the fallback when no vector backend is
// configured and needs no index maintenance.
type KeywordSearcher struct {
	docs store.Documents
}

func NewKeywordSearcher(docs store.Documents) *KeywordSearcher {
	return &KeywordSearcher{docs: docs}
}

// Search implements Searcher.
func (k *KeywordSearcher) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, contracts.NewFault(contracts.CodeInvalidInput, "query has no searchable terms")
	}

	var (
		hits    []SearchHit
		afterID string
		scanned int
	)
	cursor := time.Time{}
	for scanned < keywordScanBudget {
		page, err := k.docs.PageDocuments(ctx, cursor, afterID, keywordPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, doc := range page {
			if score, snippet := scoreDocument(doc, terms); score > 0 {
				hits = append(hits, SearchHit{
					DocumentID: doc.ID,
					FileName:   doc.FileName,
					Type:       doc.Type,
					Snippet:    snippet,
					Score:      score,
				})
			}
		}
		scanned += len(page)
		last := page[len(page)-1]
		cursor, afterID = last.CreatedAt, last.ID
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

// scoreDocument weights file-name matches over body matches; metadata
// values sit between. Returns a snippet around the first body match.
func scoreDocument(doc contracts.Document, terms []string) (float64, string) {
	name := strings.ToLower(doc.FileName)
	body := strings.ToLower(doc.OCRText)

	var score float64
	snippetAt := -1
	for _, term := range terms {
		if strings.Contains(name, term) {
			score += 3
		}
		if idx := strings.Index(body, term); idx >= 0 {
			score++
			if snippetAt < 0 {
				snippetAt = idx
			}
		}
		for _, v := range doc.Metadata {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), term) {
				score += 2
				break
			}
		}
	}
	if score == 0 {
		return 0, ""
	}
	return score, snippet(doc.OCRText, snippetAt)
}

const snippetRadius = 80

func snippet(text string, at int) string {
	if at < 0 || text == "" {
		return ""
	}
	start := at - snippetRadius
	if start < 0 {
		start = 0
	}
	end := at + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// VectorSearcher answers queries by embedding them and walking the vector
// index that the ingestion pipeline maintains.
type VectorSearcher struct {
	embedder store.Embedder
	vectors  store.VectorStore
}

func NewVectorSearcher(embedder store.Embedder, vectors store.VectorStore) *VectorSearcher {
	return &VectorSearcher{embedder: embedder, vectors: vectors}
}

// Search implements Searcher.
func (v *VectorSearcher) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, contracts.WrapFault(contracts.CodeUpstreamUnavailable, "embedding provider failed", err)
	}
	results, err := v.vectors.Search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hit := SearchHit{
			DocumentID: r.ID,
			Snippet:    snippet(r.Text, 0),
			Score:      float64(r.Score),
		}
		if r.Metadata != nil {
			hit.FileName = r.Metadata["file_name"]
			hit.Type = r.Metadata["type"]
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
