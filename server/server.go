// Package server exposes the question answering engine over HTTP/JSON and
// a WebSocket query channel.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/pkg/processor"
	"github.com/xhad/docqa/pkg/rag"
	"github.com/xhad/docqa/pkg/scraper"
)

type Config struct {
	Engine *rag.Engine
	// MaxUploadBytes bounds multipart bodies. Engine limits still apply.
	MaxUploadBytes int64
	// Scraper is the template for URL ingestion over the WebSocket.
	// BaseURL is filled in per request.
	Scraper scraper.ScraperConfig
	Logger  *slog.Logger
}

type Server struct {
	config Config
	engine *rag.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(config Config) (*Server, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("server requires an engine")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = rag.DefaultMaxFileSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		config: config,
		engine: config.Engine,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /documents", s.handleUpload)
	s.mux.HandleFunc("GET /documents", s.handleListDocuments)
	s.mux.HandleFunc("DELETE /documents/{id}", s.handleDeleteDocument)
	s.mux.HandleFunc("GET /documents/{id}/chunks", s.handleDocumentChunks)
	s.mux.HandleFunc("GET /chunks/{id}/similar", s.handleSimilar)
	s.mux.HandleFunc("POST /query", s.handleQuery)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /reset", s.handleReset)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Leave room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, fmt.Errorf("%w: upload exceeds %d bytes", models.ErrFileTooLarge, s.config.MaxUploadBytes))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "No file provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read upload"})
		return
	}

	mimeType := r.FormValue("mimeType")
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = processor.MimeTypeForFilename(header.Filename)
	}

	summary, err := s.engine.Ingest(r.Context(), rag.IngestRequest{
		Filename: header.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, summary)
}

type documentList struct {
	Documents []models.DocumentSummary `json:"documents"`
	Stats     models.IndexStats        `json:"stats"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.engine.Documents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []models.DocumentSummary{}
	}
	s.writeJSON(w, http.StatusOK, documentList{Documents: docs, Stats: stats})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveDocument(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.engine.DocumentChunks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chunks)
}

type similarPassage struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	results, err := s.engine.SimilarPassages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	passages := make([]similarPassage, 0, len(results))
	for _, res := range results {
		passages = append(passages, similarPassage{
			ChunkID:    res.Chunk.ID,
			DocumentID: res.Chunk.SourceDocumentID,
			Source:     res.Chunk.Source,
			Content:    res.Chunk.Content,
			Score:      res.Score,
		})
	}
	s.writeJSON(w, http.StatusOK, passages)
}

// queryResponse is the wire form of a RAGResponse. Sources lists the
// distinct source names; Passages carries the scored chunks.
type queryResponse struct {
	Answer               string                `json:"answer"`
	Sources              []string              `json:"sources"`
	Passages             []models.SearchResult `json:"passages"`
	Confidence           float64               `json:"confidence"`
	ProcessingTimeMs     int64                 `json:"processingTimeMs"`
	ExpandedQueries      []string              `json:"expandedQueries,omitempty"`
	SynthesisUnavailable bool                  `json:"synthesisUnavailable,omitempty"`
}

func newQueryResponse(resp *models.RAGResponse) queryResponse {
	out := queryResponse{
		Answer:               resp.Answer,
		Sources:              []string{},
		Passages:             resp.Sources,
		Confidence:           resp.Confidence,
		ProcessingTimeMs:     resp.ProcessingTime.Milliseconds(),
		ExpandedQueries:      resp.ExpandedQueries,
		SynthesisUnavailable: resp.SynthesisUnavailable,
	}
	if out.Passages == nil {
		out.Passages = []models.SearchResult{}
	}
	seen := make(map[string]bool)
	for _, src := range resp.Sources {
		if !seen[src.Chunk.Source] {
			seen[src.Chunk.Source] = true
			out.Sources = append(out.Sources, src.Chunk.Source)
		}
	}
	return out
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "Question is required"})
		return
	}

	resp, err := s.engine.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newQueryResponse(resp))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.SystemStatus(r.Context()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyInput), errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnsupportedFileType), errors.Is(err, models.ErrUnsupportedInput):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, models.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrSynthesis):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}
