// Package rag wires chunking, the vector index and answer synthesis into
// the ingestion and question answering pipeline.
package rag

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
	"github.com/xhad/docqa/pkg/processor"
)

const (
	DefaultMaxSources          = 5
	DefaultSimilarityThreshold = 0.7
	DefaultMaxFileSize         = 10 << 20

	// NoResultsAnswer is returned when retrieval finds nothing.
	NoResultsAnswer = "I couldn't find any relevant information in the knowledge base to answer your question. " +
		"Please try rephrasing your question or check if the relevant documents have been uploaded."
)

type Config struct {
	Index       types.VectorIndex
	Processor   *processor.Processor
	Synthesizer types.Synthesizer
	// Expander enables multi-query retrieval when set.
	Expander types.QueryExpander

	MaxSources int
	// SimilarityThreshold defaults to DefaultSimilarityThreshold when nil.
	SimilarityThreshold *float64
	MaxFileSize         int64
	// FallbackOnSynthesisError returns the top passage flagged as
	// SynthesisUnavailable instead of failing the query.
	FallbackOnSynthesisError bool

	Logger *slog.Logger
}

// Engine is the question answering facade.
type Engine struct {
	config    Config
	index     types.VectorIndex
	processor *processor.Processor
	logger    *slog.Logger
	threshold float64

	ingests singleflight.Group
}

func NewWithConfig(config Config) (*Engine, error) {
	if config.Index == nil {
		return nil, fmt.Errorf("engine requires a vector index")
	}
	if config.Synthesizer == nil {
		return nil, fmt.Errorf("engine requires a synthesizer")
	}
	if config.Processor == nil {
		config.Processor = processor.NewWithConfig(processor.ProcessorConfig{})
	}
	if config.MaxSources <= 0 {
		config.MaxSources = DefaultMaxSources
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}

	threshold := DefaultSimilarityThreshold
	if config.SimilarityThreshold != nil {
		threshold = *config.SimilarityThreshold
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		config:    config,
		index:     config.Index,
		processor: config.Processor,
		logger:    logger,
		threshold: threshold,
	}, nil
}

// IngestRequest is one uploaded file.
type IngestRequest struct {
	Filename string
	MimeType string
	Data     []byte
}

// Ingest validates, extracts, chunks and indexes a file. Content already in
// the index, by SHA-256, is not indexed again; the existing document is
// returned instead.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (models.DocumentSummary, error) {
	if int64(len(req.Data)) > e.config.MaxFileSize {
		return models.DocumentSummary{}, fmt.Errorf("%w: %s is %d bytes, limit %d",
			models.ErrFileTooLarge, req.Filename, len(req.Data), e.config.MaxFileSize)
	}
	if !processor.IsFileTypeSupported(req.MimeType) {
		return models.DocumentSummary{}, fmt.Errorf("%w: %q", models.ErrUnsupportedFileType, req.MimeType)
	}
	if len(bytes.TrimSpace(req.Data)) == 0 {
		return models.DocumentSummary{}, fmt.Errorf("%w: %s has no content", models.ErrEmptyInput, req.Filename)
	}

	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	for {
		ch := e.ingests.DoChan(hash, func() (any, error) {
			return e.ingest(ctx, req, hash)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return models.DocumentSummary{}, ctx.Err()
		case res = <-ch:
		}

		if res.Err != nil {
			// A joined call runs under the first caller's context. Its
			// cancellation is not ours, so run the ingest again.
			if res.Shared && isContextError(res.Err) && ctx.Err() == nil {
				e.logger.Debug("retrying ingest cancelled by another caller", "filename", req.Filename, "hash", hash)
				continue
			}
			return models.DocumentSummary{}, res.Err
		}
		if res.Shared {
			e.logger.Debug("joined concurrent ingest", "filename", req.Filename, "hash", hash)
		}
		return res.Val.(models.DocumentSummary), nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) ingest(ctx context.Context, req IngestRequest, hash string) (models.DocumentSummary, error) {
	existing, err := e.findByHash(ctx, hash)
	if err != nil {
		return models.DocumentSummary{}, err
	}
	if existing != nil {
		e.logger.Info("skipping already indexed content", "filename", req.Filename, "document", existing.ID)
		return *existing, nil
	}

	text, err := e.processor.Extract(ctx, req.Data, req.MimeType)
	if err != nil {
		return models.DocumentSummary{}, err
	}

	started := time.Now()
	id := uuid.NewString()
	chunks := e.processor.Chunk(text, id, req.Filename)
	if len(chunks) == 0 {
		return models.DocumentSummary{}, fmt.Errorf("%w: %s has no text", models.ErrEmptyInput, req.Filename)
	}

	doc := models.Document{
		ID:            id,
		Filename:      req.Filename,
		FileType:      req.MimeType,
		FileSizeBytes: int64(len(req.Data)),
		UploadedAt:    time.Now(),
		ContentHash:   hash,
	}
	if err := e.index.AddDocument(ctx, doc, chunks); err != nil {
		return models.DocumentSummary{}, fmt.Errorf("failed to index %s: %w", req.Filename, err)
	}

	e.logger.Info("ingested document",
		"document", id, "filename", req.Filename, "chunks", len(chunks), "took", time.Since(started))

	return models.DocumentSummary{
		ID:          doc.ID,
		Filename:    doc.Filename,
		FileType:    doc.FileType,
		ChunkCount:  len(chunks),
		UploadedAt:  doc.UploadedAt,
		ContentHash: hash,
	}, nil
}

// IngestText indexes already extracted text under name.
func (e *Engine) IngestText(ctx context.Context, name, text string) (models.DocumentSummary, error) {
	return e.Ingest(ctx, IngestRequest{Filename: name, MimeType: processor.MimePlainText, Data: []byte(text)})
}

func (e *Engine) findByHash(ctx context.Context, hash string) (*models.DocumentSummary, error) {
	docs, err := e.index.Documents(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.ContentHash == hash {
			return &d, nil
		}
	}
	return nil, nil
}

// Query answers req.Question from the indexed documents.
func (e *Engine) Query(ctx context.Context, req models.QueryRequest) (*models.RAGResponse, error) {
	start := time.Now()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question", models.ErrEmptyInput)
	}

	maxSources := e.config.MaxSources
	if req.MaxSources != nil {
		if *req.MaxSources < 1 {
			return nil, fmt.Errorf("%w: maxSources must be at least 1, got %d", models.ErrInvalidInput, *req.MaxSources)
		}
		maxSources = *req.MaxSources
	}
	threshold := e.threshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	sources, expanded, err := e.retrieve(ctx, question, maxSources, threshold)
	if err != nil {
		return nil, err
	}

	resp := &models.RAGResponse{
		Sources:         sources,
		ExpandedQueries: expanded,
	}

	if len(sources) == 0 {
		resp.Answer = NoResultsAnswer
		resp.ProcessingTime = time.Since(start)
		e.logger.Info("query found no sources", "question", question, "threshold", threshold)
		return resp, nil
	}

	answer, err := e.config.Synthesizer.Synthesize(ctx, question, sources)
	if err != nil {
		if !errors.Is(err, models.ErrSynthesis) {
			err = fmt.Errorf("%w: %w", models.ErrSynthesis, err)
		}
		if !e.config.FallbackOnSynthesisError || ctx.Err() != nil {
			return nil, err
		}
		e.logger.Warn("synthesis failed, returning top passage", "error", err)
		answer = sources[0].Chunk.Content
		resp.SynthesisUnavailable = true
	}

	resp.Answer = answer
	resp.Confidence = Confidence(sources)
	resp.ProcessingTime = time.Since(start)

	e.logger.Info("answered query",
		"sources", len(sources), "confidence", resp.Confidence, "took", resp.ProcessingTime)
	return resp, nil
}

// retrieve searches for question and, when an expander is configured, for
// each related query too. Merged results keep the best score per chunk.
func (e *Engine) retrieve(ctx context.Context, question string, limit int, threshold float64) ([]models.SearchResult, []string, error) {
	sources, err := e.index.Search(ctx, question, limit, threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("search failed: %w", err)
	}
	if e.config.Expander == nil {
		return sources, nil, nil
	}

	expanded, err := e.config.Expander.ExpandQuery(ctx, question)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		e.logger.Warn("query expansion failed", "error", err)
		return sources, nil, nil
	}

	merged := sources
	pos := make(map[string]int, len(sources))
	for i, s := range sources {
		pos[s.Chunk.ID] = i
	}
	for _, q := range expanded {
		more, err := e.index.Search(ctx, q, limit, threshold)
		if err != nil {
			return nil, nil, fmt.Errorf("search failed for expanded query %q: %w", q, err)
		}
		for _, s := range more {
			if i, ok := pos[s.Chunk.ID]; ok {
				if s.Score > merged[i].Score {
					merged[i].Score = s.Score
				}
				continue
			}
			pos[s.Chunk.ID] = len(merged)
			merged = append(merged, s)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:max(limit, 0)]
	}
	return merged, expanded, nil
}

func (e *Engine) RemoveDocument(ctx context.Context, documentID string) error {
	if err := e.index.RemoveDocument(ctx, documentID); err != nil {
		return err
	}
	e.logger.Info("removed document", "document", documentID)
	return nil
}

func (e *Engine) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	return e.index.Documents(ctx)
}

func (e *Engine) Stats(ctx context.Context) (models.IndexStats, error) {
	return e.index.Stats(ctx)
}

func (e *Engine) DocumentChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	return e.index.DocumentChunks(ctx, documentID)
}

// SimilarPassages returns the chunks closest to chunkID, excluding itself.
func (e *Engine) SimilarPassages(ctx context.Context, chunkID string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = e.config.MaxSources
	}
	return e.index.SimilaritySearch(ctx, chunkID, limit)
}

// Reset removes every document from the index.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.index.Clear(ctx); err != nil {
		return err
	}
	e.logger.Warn("index reset")
	return nil
}

// SystemStatus reports index health for dashboards. An unreachable index
// is reported as degraded; any other stats failure as down.
func (e *Engine) SystemStatus(ctx context.Context) models.SystemStatus {
	status := models.SystemStatus{
		Status: models.StatusOperational,
		Capabilities: models.Capabilities{
			DocumentProcessing: true,
			SemanticSearch:     true,
			QuestionAnswering:  true,
		},
		SupportedFileTypes: processor.SupportedFileTypes(),
	}

	stats, err := e.index.Stats(ctx)
	switch {
	case err == nil:
		status.VectorStore = stats
	case errors.Is(err, models.ErrIndexUnavailable):
		e.logger.Warn("index unavailable", "error", err)
		status.Status = models.StatusDegraded
	default:
		e.logger.Error("index stats failed", "error", err)
		status.Status = models.StatusDown
	}
	return status
}
