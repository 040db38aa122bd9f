package store_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
)

var vocabulary = []string{"france", "paris", "water", "boil", "sky", "blue", "bread", "yeast"}

// keywordEmbedder maps text onto keyword counts plus a constant bias
// component, so related texts score close together.
type keywordEmbedder struct {
	calls atomic.Int64
}

func (e *keywordEmbedder) Name() string   { return "keyword" }
func (e *keywordEmbedder) Dimension() int { return len(vocabulary) + 1 }

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	v := make([]float64, e.Dimension())
	for i, word := range vocabulary {
		v[i] = float64(strings.Count(lower, word))
	}
	v[len(vocabulary)] = 0.1
	return v, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type indexFactory func(t *testing.T, embedder types.Embedder) types.VectorIndex

func testDocument(id string, contents ...string) (models.Document, []models.Chunk) {
	now := time.Now()
	doc := models.Document{
		ID:            id,
		Filename:      id + ".txt",
		FileType:      "text/plain",
		FileSizeBytes: 100,
		UploadedAt:    now,
		ContentHash:   "hash-" + id,
	}
	chunks := make([]models.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = models.Chunk{
			ID:               fmt.Sprintf("%s_%d", id, i),
			Content:          content,
			SourceDocumentID: id,
			Source:           doc.Filename,
			ChunkIndex:       i,
			CreatedAt:        now,
		}
	}
	return doc, chunks
}

func addDocument(t *testing.T, idx types.VectorIndex, id string, contents ...string) {
	t.Helper()
	doc, chunks := testDocument(id, contents...)
	require.NoError(t, idx.AddDocument(context.Background(), doc, chunks))
}

// runIndexSuite checks the behaviour every VectorIndex must share.
func runIndexSuite(t *testing.T, newIndex indexFactory) {
	ctx := context.Background()

	t.Run("empty index skips the embedder", func(t *testing.T) {
		emb := &keywordEmbedder{}
		idx := newIndex(t, emb)

		results, err := idx.Search(ctx, "anything", 5, 0)
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Zero(t, emb.calls.Load())
	})

	t.Run("search ranks by similarity", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "facts",
			"The sky is blue",
			"Water will boil at 100 degrees",
			"Paris is the capital of France")

		results, err := idx.Search(ctx, "paris france", 2, 0)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.LessOrEqual(t, len(results), 2)
		assert.Equal(t, "facts_2", results[0].Chunk.ID)
		assert.Equal(t, "facts", results[0].Chunk.SourceDocumentID)
		assert.Equal(t, "facts.txt", results[0].Chunk.Source)
		assert.InDelta(t, 1.0, results[0].Score, 0.01)

		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
		for _, r := range results {
			assert.GreaterOrEqual(t, r.Score, 0.0)
		}
	})

	t.Run("high threshold returns nothing", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "facts", "The sky is blue", "Water will boil")

		results, err := idx.Search(ctx, "bread yeast", 5, 0.99)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("ties keep insertion order", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "a", "blue sky one")
		addDocument(t, idx, "b", "blue sky two", "blue sky three")

		results, err := idx.Search(ctx, "blue sky", 10, -1)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "a_0", results[0].Chunk.ID)
		assert.Equal(t, "b_0", results[1].Chunk.ID)
		assert.Equal(t, "b_1", results[2].Chunk.ID)
	})

	t.Run("remove document cascades", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "bakery", "Bread needs yeast")
		addDocument(t, idx, "weather", "The sky is blue")

		before, err := idx.Stats(ctx)
		require.NoError(t, err)

		require.NoError(t, idx.RemoveDocument(ctx, "bakery"))

		after, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.TotalDocuments-1, after.TotalDocuments)
		assert.Equal(t, 1, after.TotalChunks)

		results, err := idx.Search(ctx, "bread yeast", 10, -1)
		require.NoError(t, err)
		for _, r := range results {
			assert.NotEqual(t, "bakery", r.Chunk.SourceDocumentID)
		}

		docs, err := idx.Documents(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "weather", docs[0].ID)

		require.NoError(t, idx.RemoveDocument(ctx, "unknown"))
		again, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, after, again)
	})

	t.Run("similarity search excludes the chunk itself", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "d", "Paris is in France", "Paris France Paris", "Bread and yeast")

		results, err := idx.SimilaritySearch(ctx, "d_0", 5)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "d_1", results[0].Chunk.ID)
		for _, r := range results {
			assert.NotEqual(t, "d_0", r.Chunk.ID)
		}

		results, err = idx.SimilaritySearch(ctx, "missing", 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("stats estimate storage", func(t *testing.T) {
		emb := &keywordEmbedder{}
		idx := newIndex(t, emb)

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.IndexStats{StorageSize: "0 Bytes"}, stats)

		addDocument(t, idx, "d", "abcd", "efghij")
		stats, err = idx.Stats(ctx)
		require.NoError(t, err)

		want := int64(4+6) + int64(2*emb.Dimension()*8)
		assert.Equal(t, 2, stats.TotalChunks)
		assert.Equal(t, 1, stats.TotalDocuments)
		assert.Equal(t, want, stats.StorageBytes)
		assert.Equal(t, fmt.Sprintf("%d Bytes", want), stats.StorageSize)
	})

	t.Run("documents and chunks views", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "first", "one", "two", "three")
		addDocument(t, idx, "second", "four")

		docs, err := idx.Documents(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "first", docs[0].ID)
		assert.Equal(t, 3, docs[0].ChunkCount)
		assert.Equal(t, "first.txt", docs[0].Filename)
		assert.Equal(t, "hash-first", docs[0].ContentHash)
		assert.Equal(t, "second", docs[1].ID)

		chunks, err := idx.DocumentChunks(ctx, "first")
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			assert.Equal(t, i, c.ChunkIndex)
			assert.Equal(t, "first", c.SourceDocumentID)
		}
		assert.Equal(t, "two", chunks[1].Content)

		_, err = idx.DocumentChunks(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("re-adding a document replaces its chunks", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "d", "old one", "old two")
		addDocument(t, idx, "d", "new")

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TotalDocuments)
		assert.Equal(t, 1, stats.TotalChunks)
	})

	t.Run("clear", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		addDocument(t, idx, "d", "Water will boil")
		require.NoError(t, idx.Clear(ctx))

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalChunks)
		assert.Zero(t, stats.TotalDocuments)

		docs, err := idx.Documents(ctx)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("cancelled ingest leaves nothing behind", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		doc, chunks := testDocument("d", "Water will boil")
		assert.Error(t, idx.AddDocument(cctx, doc, chunks))

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalDocuments)
	})

	t.Run("concurrent readers never see partial documents", func(t *testing.T) {
		idx := newIndex(t, &keywordEmbedder{})
		const chunksPerDoc = 5

		contents := make([]string, chunksPerDoc)
		for i := range contents {
			contents[i] = fmt.Sprintf("water sample %d", i)
		}

		var wg sync.WaitGroup
		for d := 0; d < 4; d++ {
			wg.Add(1)
			go func(d int) {
				defer wg.Done()
				doc, chunks := testDocument(fmt.Sprintf("doc%d", d), contents...)
				assert.NoError(t, idx.AddDocument(ctx, doc, chunks))
			}(d)
		}

		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					results, err := idx.Search(ctx, "water", 100, -1)
					if !assert.NoError(t, err) {
						return
					}
					perDoc := make(map[string]int)
					for _, res := range results {
						perDoc[res.Chunk.SourceDocumentID]++
					}
					for doc, n := range perDoc {
						assert.Equal(t, chunksPerDoc, n, "document %s", doc)
					}
				}
			}()
		}
		wg.Wait()

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.TotalDocuments)
		assert.Equal(t, 4*chunksPerDoc, stats.TotalChunks)
	})
}
