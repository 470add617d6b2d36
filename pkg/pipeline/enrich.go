package pipeline

import (
	"context"
	"fmt"

	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/store"
)

// Enrichment is one enricher's contribution to a document.
type Enrichment struct {
	Enricher string         `json:"enricher"`
	Summary  string         `json:"summary,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Enricher is an optional processing branch fanned out during the
// enrichment stage. Failures are tolerated and never abort the run.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, doc contracts.Document, content []byte) (Enrichment, error)
}

type noopEnricher struct {
	name string
}

func (n noopEnricher) Name() string { return n.name }

func (n noopEnricher) Enrich(context.Context, contracts.Document, []byte) (Enrichment, error) {
	return Enrichment{Enricher: n.name, Summary: "skipped: no provider configured"}, nil
}

// NoopWebCapture fills the web-capture slot until a browser provider is wired.
func NoopWebCapture() Enricher { return noopEnricher{name: "web_capture"} }

// NoopContainerAnalysis fills the container-analysis slot.
func NoopContainerAnalysis() Enricher { return noopEnricher{name: "container_analysis"} }

// NoopImageProcessing fills the image-processing slot.
func NoopImageProcessing() Enricher { return noopEnricher{name: "image_processing"} }

// NoopPIIRedaction fills the redaction slot. The pii scan still flags
// matches so operators can see what a real redactor would have handled.
func NoopPIIRedaction() Enricher { return noopEnricher{name: "pii_redaction"} }

// DefaultEnrichers returns the standard no-op branch set.
func DefaultEnrichers() []Enricher {
	return []Enricher{
		NoopWebCapture(),
		NoopContainerAnalysis(),
		NoopImageProcessing(),
		NoopPIIRedaction(),
	}
}

type searchIndexer struct {
	embedder store.Embedder
	vectors  store.VectorStore
}

// SearchIndexer embeds the document's text and writes the vector so search
// can retrieve it. Runs in the tolerated enrichment branch; a failed index
// never blocks ingestion.
func SearchIndexer(embedder store.Embedder, vectors store.VectorStore) Enricher {
	return searchIndexer{embedder: embedder, vectors: vectors}
}

func (s searchIndexer) Name() string { return "search_index" }

func (s searchIndexer) Enrich(ctx context.Context, doc contracts.Document, _ []byte) (Enrichment, error) {
	text := doc.OCRText
	if text == "" {
		text = doc.FileName
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return Enrichment{}, fmt.Errorf("embed: %w", err)
	}
	meta := map[string]string{"file_name": doc.FileName, "type": doc.Type}
	if err := s.vectors.Store(ctx, doc.ID, text, vec, meta); err != nil {
		return Enrichment{}, fmt.Errorf("index: %w", err)
	}
	return Enrichment{
		Enricher: "search_index",
		Summary:  "indexed",
		Fields:   map[string]any{"dimensions": len(vec)},
	}, nil
}
