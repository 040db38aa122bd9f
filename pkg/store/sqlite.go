package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	filename     TEXT NOT NULL,
	file_type    TEXT NOT NULL,
	file_size    INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	uploaded_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	source      TEXT NOT NULL DEFAULT '',
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	embedding   BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
`

type SQLiteIndexConfig struct {
	// Path is the database file. Parent directories are created.
	Path     string
	Embedder types.Embedder
	Logger   *slog.Logger
}

// SQLiteIndex persists documents and embedded chunks in one SQLite file.
// Search loads every embedding and ranks in process.
type SQLiteIndex struct {
	db       *sql.DB
	path     string
	embedder types.Embedder
	logger   *slog.Logger
}

func NewSQLiteIndex(config SQLiteIndexConfig) (*SQLiteIndex, error) {
	if config.Embedder == nil {
		return nil, fmt.Errorf("sqlite index requires an embedder")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite index requires a path")
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteIndex{
		db:       db,
		path:     config.Path,
		embedder: config.Embedder,
		logger:   discardLogger(config.Logger),
	}, nil
}

// Path returns the database file path.
func (s *SQLiteIndex) Path() string { return s.path }

func (s *SQLiteIndex) AddDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	embedded, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, doc.ID); err != nil {
		return unavailable("replace document", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, filename, file_type, file_size, content_hash, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.FileType, doc.FileSizeBytes, doc.ContentHash, doc.UploadedAt.UnixNano())
	if err != nil {
		return unavailable("insert document", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, source, chunk_index, content, created_at, embedding) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return unavailable("prepare chunk insert", err)
	}
	defer stmt.Close()

	for _, c := range embedded {
		if _, err := stmt.ExecContext(ctx, c.ID, doc.ID, c.Source, c.ChunkIndex, c.Content,
			c.CreatedAt.UnixNano(), encodeVector(c.Embedding)); err != nil {
			return unavailable("insert chunk", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}

	s.logger.Debug("indexed document", "document", doc.ID, "chunks", len(embedded))
	return nil
}

func (s *SQLiteIndex) RemoveDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID); err != nil {
		return unavailable("delete document", err)
	}
	return nil
}

func (s *SQLiteIndex) Search(ctx context.Context, query string, limit int, threshold float64) ([]models.SearchResult, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return nil, unavailable("count chunks", err)
	}
	if count == 0 {
		return []models.SearchResult{}, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates, err := s.candidates(ctx, "")
	if err != nil {
		return nil, err
	}
	return rank(vector, candidates, limit, threshold)
}

func (s *SQLiteIndex) SimilaritySearch(ctx context.Context, chunkID string, limit int) ([]models.SearchResult, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM chunks WHERE id = ?`, chunkID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.SearchResult{}, nil
	}
	if err != nil {
		return nil, unavailable("load chunk", err)
	}
	target := decodeVector(blob)
	if len(target) == 0 {
		return []models.SearchResult{}, nil
	}

	candidates, err := s.candidates(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	return rank(target, candidates, limit, -1)
}

// candidates loads every chunk in insertion order: by document, then chunk.
func (s *SQLiteIndex) candidates(ctx context.Context, exclude string) ([]scoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.source, c.chunk_index, c.content, c.created_at, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id <> ?
		ORDER BY d.seq, c.seq`, exclude)
	if err != nil {
		return nil, unavailable("load chunks", err)
	}
	defer rows.Close()

	var out []scoredChunk
	for rows.Next() {
		c, blob, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scoredChunk{chunk: c, vector: decodeVector(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate chunks", err)
	}
	return out, nil
}

func (s *SQLiteIndex) Stats(ctx context.Context) (models.IndexStats, error) {
	var (
		chunks, docs, embedded int
		contentBytes           int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL AND length(embedding) > 0),
			(SELECT COALESCE(SUM(length(CAST(content AS BLOB))), 0) FROM chunks)`).
		Scan(&chunks, &docs, &embedded, &contentBytes)
	if err != nil {
		return models.IndexStats{}, unavailable("stats", err)
	}
	return newStats(chunks, docs, storageEstimate(contentBytes, embedded, s.embedder.Dimension())), nil
}

func (s *SQLiteIndex) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.filename, d.file_type, d.content_hash, d.uploaded_at,
			(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		FROM documents d ORDER BY d.seq`)
	if err != nil {
		return nil, unavailable("list documents", err)
	}
	defer rows.Close()

	out := []models.DocumentSummary{}
	for rows.Next() {
		var (
			d          models.DocumentSummary
			uploadedAt int64
		)
		if err := rows.Scan(&d.ID, &d.Filename, &d.FileType, &d.ContentHash, &uploadedAt, &d.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.UploadedAt = time.Unix(0, uploadedAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate documents", err)
	}
	return out, nil
}

func (s *SQLiteIndex) DocumentChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, documentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("load document", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, source, chunk_index, content, created_at, NULL
		FROM chunks WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, unavailable("load chunks", err)
	}
	defer rows.Close()

	out := []models.Chunk{}
	for rows.Next() {
		c, _, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate chunks", err)
	}
	return out, nil
}

func (s *SQLiteIndex) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func scanChunk(rows *sql.Rows) (models.Chunk, []byte, error) {
	var (
		c         models.Chunk
		createdAt int64
		blob      []byte
	)
	if err := rows.Scan(&c.ID, &c.SourceDocumentID, &c.Source, &c.ChunkIndex, &c.Content, &createdAt, &blob); err != nil {
		return models.Chunk{}, nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdAt)
	return c, blob, nil
}

// encodeVector packs v as little-endian float64s.
func encodeVector(v []float64) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float64 {
	if len(data) == 0 || len(data)%8 != 0 {
		return nil
	}
	v := make([]float64, len(data)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return v
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrIndexUnavailable, err)
}
