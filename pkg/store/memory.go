package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
)

type MemoryIndexConfig struct {
	Embedder types.Embedder
	Logger   *slog.Logger
}

// MemoryIndex is a process-local vector index with exhaustive search.
// Readers run concurrently; writers build their chunk set unlocked and
// publish it under the write lock.
type MemoryIndex struct {
	embedder types.Embedder
	logger   *slog.Logger

	mu       sync.RWMutex
	chunks   map[string]models.Chunk
	docs     map[string]models.Document
	docOrder []string
}

func NewMemoryIndex(config MemoryIndexConfig) (*MemoryIndex, error) {
	if config.Embedder == nil {
		return nil, fmt.Errorf("memory index requires an embedder")
	}
	return &MemoryIndex{
		embedder: config.Embedder,
		logger:   discardLogger(config.Logger),
		chunks:   make(map[string]models.Chunk),
		docs:     make(map[string]models.Document),
	}, nil
}

func (m *MemoryIndex) AddDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	embedded, err := embedChunks(ctx, m.embedder, chunks)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	doc.ChunkIDs = make([]string, len(embedded))
	for i, c := range embedded {
		doc.ChunkIDs[i] = c.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(doc.ID)
	for _, c := range embedded {
		m.chunks[c.ID] = c
	}
	m.docs[doc.ID] = doc
	m.docOrder = append(m.docOrder, doc.ID)

	m.logger.Debug("indexed document", "document", doc.ID, "chunks", len(embedded))
	return nil
}

func (m *MemoryIndex) RemoveDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(documentID)
	return nil
}

func (m *MemoryIndex) removeLocked(documentID string) {
	doc, ok := m.docs[documentID]
	if !ok {
		return
	}
	for _, id := range doc.ChunkIDs {
		delete(m.chunks, id)
	}
	delete(m.docs, documentID)
	m.docOrder = slices.DeleteFunc(m.docOrder, func(id string) bool { return id == documentID })
}

func (m *MemoryIndex) Search(ctx context.Context, query string, limit int, threshold float64) ([]models.SearchResult, error) {
	m.mu.RLock()
	empty := len(m.chunks) == 0
	m.mu.RUnlock()
	if empty {
		return []models.SearchResult{}, nil
	}

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return rank(vector, m.candidatesLocked(""), limit, threshold)
}

func (m *MemoryIndex) SimilaritySearch(_ context.Context, chunkID string, limit int) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target, ok := m.chunks[chunkID]
	if !ok || len(target.Embedding) == 0 {
		return []models.SearchResult{}, nil
	}
	return rank(target.Embedding, m.candidatesLocked(chunkID), limit, -1)
}

// candidatesLocked lists stored chunks in insertion order, skipping exclude.
func (m *MemoryIndex) candidatesLocked(exclude string) []scoredChunk {
	candidates := make([]scoredChunk, 0, len(m.chunks))
	for _, docID := range m.docOrder {
		for _, id := range m.docs[docID].ChunkIDs {
			if id == exclude {
				continue
			}
			c := m.chunks[id]
			candidates = append(candidates, scoredChunk{chunk: c, vector: c.Embedding})
		}
	}
	return candidates
}

func (m *MemoryIndex) Stats(_ context.Context) (models.IndexStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		contentBytes int64
		embedded     int
	)
	for _, c := range m.chunks {
		contentBytes += int64(len(c.Content))
		if len(c.Embedding) > 0 {
			embedded++
		}
	}
	return newStats(len(m.chunks), len(m.docs), storageEstimate(contentBytes, embedded, m.embedder.Dimension())), nil
}

func (m *MemoryIndex) Documents(_ context.Context) ([]models.DocumentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DocumentSummary, 0, len(m.docOrder))
	for _, id := range m.docOrder {
		out = append(out, summarize(m.docs[id]))
	}
	return out, nil
}

func (m *MemoryIndex) DocumentChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}

	out := make([]models.Chunk, 0, len(doc.ChunkIDs))
	for _, id := range doc.ChunkIDs {
		c := m.chunks[id]
		c.Embedding = nil
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunks = make(map[string]models.Chunk)
	m.docs = make(map[string]models.Document)
	m.docOrder = nil
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
