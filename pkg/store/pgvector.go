package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
)

type PgVectorConfig struct {
	ConnString string
	// TableName prefixes the <name>_documents and <name>_chunks tables.
	TableName string
	Embedder  types.Embedder
	// IndexLists, when positive, builds an ivfflat index with that many
	// lists. Searches then become approximate.
	IndexLists int
	Logger     *slog.Logger
}

// PgVectorIndex stores chunks in Postgres and ranks them with the
// pgvector cosine distance operator.
type PgVectorIndex struct {
	config PgVectorConfig
	pool   *pgxpool.Pool
	logger *slog.Logger

	documents string
	chunks    string
}

func NewPgVectorIndex(ctx context.Context, config PgVectorConfig) (*PgVectorIndex, error) {
	if config.Embedder == nil {
		return nil, fmt.Errorf("pgvector index requires an embedder")
	}
	if config.TableName == "" {
		config.TableName = "documents"
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w: %w", models.ErrIndexUnavailable, err)
	}

	vs := &PgVectorIndex{
		config:    config,
		pool:      pool,
		logger:    discardLogger(config.Logger),
		documents: pgx.Identifier{config.TableName + "_documents"}.Sanitize(),
		chunks:    pgx.Identifier{config.TableName + "_chunks"}.Sanitize(),
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PgVectorIndex) initialize(ctx context.Context) error {
	// Enable pgvector extension
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return unavailable("create vector extension", err)
	}

	createTables := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			seq          BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL UNIQUE,
			filename     TEXT NOT NULL,
			file_type    TEXT NOT NULL,
			file_size    BIGINT NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL DEFAULT '',
			uploaded_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			document_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
			source      TEXT NOT NULL DEFAULT '',
			chunk_index INTEGER NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			embedding   vector(%[3]d)
		)`, vs.documents, vs.chunks, vs.config.Embedder.Dimension())

	if _, err := vs.pool.Exec(ctx, createTables); err != nil {
		return unavailable("create tables", err)
	}

	if vs.config.IndexLists > 0 {
		createIndex := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s
			ON %s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = %d)`,
			pgx.Identifier{vs.config.TableName + "_embedding_idx"}.Sanitize(), vs.chunks, vs.config.IndexLists)

		if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
			return unavailable("create index", err)
		}
	}

	return nil
}

func (vs *PgVectorIndex) AddDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	embedded, err := embedChunks(ctx, vs.config.Embedder, chunks)
	if err != nil {
		return err
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, vs.documents), doc.ID); err != nil {
		return unavailable("replace document", err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, filename, file_type, file_size, content_hash, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, vs.documents),
		doc.ID, sanitizeUTF8(doc.Filename), doc.FileType, doc.FileSizeBytes, doc.ContentHash, doc.UploadedAt)
	if err != nil {
		return unavailable("insert document", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, source, chunk_index, content, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, vs.chunks)

	batch := &pgx.Batch{}
	for _, c := range embedded {
		batch.Queue(stmt, c.ID, doc.ID, sanitizeUTF8(c.Source), c.ChunkIndex, sanitizeUTF8(c.Content),
			c.CreatedAt, pgvector.NewVector(toFloat32(c.Embedding)))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("insert chunks", err)
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}

	vs.logger.Debug("indexed document", "document", doc.ID, "chunks", len(embedded))
	return nil
}

func (vs *PgVectorIndex) RemoveDocument(ctx context.Context, documentID string) error {
	if _, err := vs.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, vs.documents), documentID); err != nil {
		return unavailable("delete document", err)
	}
	return nil
}

func (vs *PgVectorIndex) Search(ctx context.Context, query string, limit int, threshold float64) ([]models.SearchResult, error) {
	if limit <= 0 {
		return []models.SearchResult{}, nil
	}

	var empty bool
	err := vs.pool.QueryRow(ctx, fmt.Sprintf(`SELECT NOT EXISTS (SELECT 1 FROM %s)`, vs.chunks)).Scan(&empty)
	if err != nil {
		return nil, unavailable("count chunks", err)
	}
	if empty {
		return []models.SearchResult{}, nil
	}

	vector, err := vs.config.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Query similar chunks
	q := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.source, c.chunk_index, c.content, c.created_at,
			1 - (c.embedding <=> $1) AS score
		FROM %s c JOIN %s d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL AND 1 - (c.embedding <=> $1) >= $2
		ORDER BY c.embedding <=> $1, d.seq, c.seq
		LIMIT $3`, vs.chunks, vs.documents)

	return vs.queryResults(ctx, q, threshold, pgvector.NewVector(toFloat32(vector)), threshold, limit)
}

func (vs *PgVectorIndex) SimilaritySearch(ctx context.Context, chunkID string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return []models.SearchResult{}, nil
	}

	q := fmt.Sprintf(`
		WITH target AS (SELECT embedding FROM %[1]s WHERE id = $1 AND embedding IS NOT NULL)
		SELECT c.id, c.document_id, c.source, c.chunk_index, c.content, c.created_at,
			1 - (c.embedding <=> t.embedding) AS score
		FROM %[1]s c JOIN %[2]s d ON d.id = c.document_id, target t
		WHERE c.id <> $1 AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> t.embedding, d.seq, c.seq
		LIMIT $2`, vs.chunks, vs.documents)

	return vs.queryResults(ctx, q, -1, chunkID, limit)
}

// queryResults scans scored rows. Scores are normalized and rows that fall
// below threshold afterwards are dropped.
func (vs *PgVectorIndex) queryResults(ctx context.Context, q string, threshold float64, args ...any) ([]models.SearchResult, error) {
	rows, err := vs.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("query chunks", err)
	}
	defer rows.Close()

	results := []models.SearchResult{}
	for rows.Next() {
		var r models.SearchResult
		err := rows.Scan(&r.Chunk.ID, &r.Chunk.SourceDocumentID, &r.Chunk.Source, &r.Chunk.ChunkIndex,
			&r.Chunk.Content, &r.Chunk.CreatedAt, &r.Score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Score = normalizeScore(r.Score)
		if r.Score < threshold {
			continue
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate chunks", err)
	}
	return results, nil
}

// normalizeScore matches llm.CosineSimilarity: float32 rounding is clamped
// to [-1, 1] and a zero-magnitude vector, which Postgres scores as NaN,
// becomes 0.
func normalizeScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(-1, math.Min(1, score))
}

func (vs *PgVectorIndex) Stats(ctx context.Context) (models.IndexStats, error) {
	var (
		chunks, docs, embedded int
		contentBytes           int64
	)
	err := vs.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			(SELECT COUNT(*) FROM %[1]s),
			(SELECT COUNT(*) FROM %[2]s),
			(SELECT COUNT(*) FROM %[1]s WHERE embedding IS NOT NULL),
			(SELECT COALESCE(SUM(octet_length(content)), 0) FROM %[1]s)`, vs.chunks, vs.documents)).
		Scan(&chunks, &docs, &embedded, &contentBytes)
	if err != nil {
		return models.IndexStats{}, unavailable("stats", err)
	}
	return newStats(chunks, docs, storageEstimate(contentBytes, embedded, vs.config.Embedder.Dimension())), nil
}

func (vs *PgVectorIndex) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	rows, err := vs.pool.Query(ctx, fmt.Sprintf(`
		SELECT d.id, d.filename, d.file_type, d.content_hash, d.uploaded_at,
			(SELECT COUNT(*) FROM %[2]s c WHERE c.document_id = d.id)
		FROM %[1]s d ORDER BY d.seq`, vs.documents, vs.chunks))
	if err != nil {
		return nil, unavailable("list documents", err)
	}
	defer rows.Close()

	out := []models.DocumentSummary{}
	for rows.Next() {
		var d models.DocumentSummary
		if err := rows.Scan(&d.ID, &d.Filename, &d.FileType, &d.ContentHash, &d.UploadedAt, &d.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate documents", err)
	}
	return out, nil
}

func (vs *PgVectorIndex) DocumentChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	var exists bool
	err := vs.pool.QueryRow(ctx, fmt.Sprintf(`SELECT true FROM %s WHERE id = $1`, vs.documents), documentID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("load document", err)
	}

	rows, err := vs.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, document_id, source, chunk_index, content, created_at
		FROM %s WHERE document_id = $1 ORDER BY seq`, vs.chunks), documentID)
	if err != nil {
		return nil, unavailable("load chunks", err)
	}
	defer rows.Close()

	out := []models.Chunk{}
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.SourceDocumentID, &c.Source, &c.ChunkIndex, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate chunks", err)
	}
	return out, nil
}

func (vs *PgVectorIndex) Clear(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, vs.documents)); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

func (vs *PgVectorIndex) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
