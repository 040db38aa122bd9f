package types

import (
	"context"

	"github.com/xhad/docqa/internal/models"
)

// Core interfaces

// Embedder turns text into fixed-dimension vectors. Embed must be
// deterministic for identical input within one configuration and
// EmbedBatch must return one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	Dimension() int
	Name() string
}

// Synthesizer composes an answer from a question and its ranked sources.
// sources is never empty.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, sources []models.SearchResult) (string, error)
}

// QueryExpander produces related queries for multi-query retrieval.
type QueryExpander interface {
	ExpandQuery(ctx context.Context, question string) ([]string, error)
}

// Extractor turns raw file bytes of one MIME type into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// VectorIndex stores embedded chunks grouped by owning document.
//
// AddDocument is all-or-nothing: no chunk of the document is visible to
// Search until every chunk has been embedded and stored. Adding a document
// whose ID is already indexed replaces its chunk set.
type VectorIndex interface {
	AddDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error
	RemoveDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, query string, limit int, threshold float64) ([]models.SearchResult, error)
	SimilaritySearch(ctx context.Context, chunkID string, limit int) ([]models.SearchResult, error)
	Stats(ctx context.Context) (models.IndexStats, error)
	Documents(ctx context.Context) ([]models.DocumentSummary, error)
	DocumentChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	Clear(ctx context.Context) error
	Close() error
}
