// Package store holds the vector index implementations: an in-process
// MemoryIndex, a single-file SQLiteIndex and a Postgres PgVectorIndex.
// All of them satisfy types.VectorIndex.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
	"github.com/xhad/docqa/pkg/llm"
)

// bytesPerDimension is the accounted storage cost of one embedding component.
const bytesPerDimension = 8

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatBytes renders n with 1024-based units and at most two decimals,
// e.g. "0 Bytes", "512 Bytes", "1.5 KB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}

	i := 0
	value := float64(n)
	for value >= 1024 && i < len(sizeUnits)-1 {
		value /= 1024
		i++
	}

	value = math.Round(value*100) / 100
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + sizeUnits[i]
}

// storageEstimate is content bytes plus the embedding footprint of every
// embedded chunk.
func storageEstimate(contentBytes int64, embedded, dimension int) int64 {
	return contentBytes + int64(embedded)*int64(dimension)*bytesPerDimension
}

func newStats(chunks, documents int, bytes int64) models.IndexStats {
	return models.IndexStats{
		TotalChunks:    chunks,
		TotalDocuments: documents,
		StorageBytes:   bytes,
		StorageSize:    FormatBytes(bytes),
	}
}

// embedChunks returns copies of chunks with embeddings filled in. Chunks
// that already carry a vector of the right dimension are not re-embedded.
func embedChunks(ctx context.Context, embedder types.Embedder, chunks []models.Chunk) ([]models.Chunk, error) {
	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)

	var (
		pending []int
		texts   []string
	)
	for i, c := range out {
		if len(c.Embedding) == embedder.Dimension() {
			continue
		}
		pending = append(pending, i)
		texts = append(texts, c.Content)
	}
	if len(texts) == 0 {
		return out, nil
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d chunks", embedder.Name(), len(vectors), len(texts))
	}

	for j, i := range pending {
		if len(vectors[j]) != embedder.Dimension() {
			return nil, fmt.Errorf("%w: chunk %s has %d, want %d",
				models.ErrDimensionMismatch, out[i].ID, len(vectors[j]), embedder.Dimension())
		}
		out[i].Embedding = vectors[j]
	}
	return out, nil
}

// scoredChunk is a candidate in insertion order.
type scoredChunk struct {
	chunk  models.Chunk
	vector []float64
}

// rank scores candidates against query, keeps those at or above threshold
// and returns the best limit of them. Equal scores keep candidate order.
func rank(query []float64, candidates []scoredChunk, limit int, threshold float64) ([]models.SearchResult, error) {
	results := make([]models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if len(c.vector) == 0 {
			continue
		}
		score, err := llm.CosineSimilarity(query, c.vector)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.chunk.ID, err)
		}
		if score >= threshold {
			c.chunk.Embedding = nil
			results = append(results, models.SearchResult{Chunk: c.chunk, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit < 0 {
		limit = 0
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func summarize(doc models.Document) models.DocumentSummary {
	return models.DocumentSummary{
		ID:          doc.ID,
		Filename:    doc.Filename,
		FileType:    doc.FileType,
		ChunkCount:  len(doc.ChunkIDs),
		UploadedAt:  doc.UploadedAt,
		ContentHash: doc.ContentHash,
	}
}

func discardLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sanitizeUTF8 drops invalid bytes and NULs, which Postgres rejects in TEXT.
func sanitizeUTF8(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}
