package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docqa/internal/types"
	"github.com/xhad/docqa/pkg/store"
)

func newSQLiteIndex(t *testing.T, embedder types.Embedder, path string) *store.SQLiteIndex {
	t.Helper()
	idx, err := store.NewSQLiteIndex(store.SQLiteIndexConfig{Path: path, Embedder: embedder})
	require.NoError(t, err)
	return idx
}

func TestSQLiteIndex(t *testing.T) {
	runIndexSuite(t, func(t *testing.T, embedder types.Embedder) types.VectorIndex {
		idx := newSQLiteIndex(t, embedder, filepath.Join(t.TempDir(), "index.db"))
		t.Cleanup(func() { idx.Close() })
		return idx
	})
}

func TestSQLiteIndex_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "index.db")
	emb := &keywordEmbedder{}

	idx := newSQLiteIndex(t, emb, path)
	assert.Equal(t, path, idx.Path())
	addDocument(t, idx, "facts", "Paris is the capital of France")
	require.NoError(t, idx.Close())

	reopened := newSQLiteIndex(t, emb, path)
	defer reopened.Close()

	results, err := reopened.Search(ctx, "paris", 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "facts_0", results[0].Chunk.ID)
}
