package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/pkg/llm"
	"github.com/xhad/docqa/pkg/rag"
	"github.com/xhad/docqa/pkg/store"
)

func newTestServer(t *testing.T, maxFileSize int64) *httptest.Server {
	t.Helper()

	idx, err := store.NewMemoryIndex(store.MemoryIndexConfig{
		Embedder: llm.NewHashEmbedder(llm.HashEmbedderConfig{}),
	})
	require.NoError(t, err)

	// The hash embedder carries no meaning, so accept every score.
	threshold := -1.0
	engine, err := rag.NewWithConfig(rag.Config{
		Index:               idx,
		Synthesizer:         llm.NewExtractiveSynthesizer(),
		SimilarityThreshold: &threshold,
		MaxFileSize:         maxFileSize,
	})
	require.NoError(t, err)

	srv, err := New(Config{Engine: engine})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func upload(t *testing.T, ts *httptest.Server, filename, mimeType, content string) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	if mimeType != "" {
		require.NoError(t, mw.WriteField("mimeType", mimeType))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/documents", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func postQuery(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/query", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t, 0)

	resp := upload(t, ts, "facts.txt", "",
		"The sky is blue. Water boils at 100 degrees. Paris is the capital of France.")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[models.DocumentSummary](t, resp)
	assert.Equal(t, "facts.txt", first.Filename)
	assert.Equal(t, 1, first.ChunkCount)
	assert.NotEmpty(t, first.ContentHash)

	resp = upload(t, ts, "bread.txt", "text/plain", "Bread rises because yeast produces gas.")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[models.DocumentSummary](t, resp)

	listResp, err := http.Get(ts.URL + "/documents")
	require.NoError(t, err)
	defer listResp.Body.Close()
	list := decode[documentList](t, listResp)
	require.Len(t, list.Documents, 2)
	assert.Equal(t, 2, list.Stats.TotalDocuments)
	assert.Equal(t, 2, list.Stats.TotalChunks)

	chunksResp, err := http.Get(ts.URL + "/documents/" + first.ID + "/chunks")
	require.NoError(t, err)
	defer chunksResp.Body.Close()
	require.Equal(t, http.StatusOK, chunksResp.StatusCode)
	chunks := decode[[]models.Chunk](t, chunksResp)
	require.Len(t, chunks, 1)
	assert.Equal(t, first.ID, chunks[0].SourceDocumentID)

	similarResp, err := http.Get(ts.URL + "/chunks/" + chunks[0].ID + "/similar?limit=3")
	require.NoError(t, err)
	defer similarResp.Body.Close()
	require.Equal(t, http.StatusOK, similarResp.StatusCode)
	similar := decode[[]similarPassage](t, similarResp)
	require.Len(t, similar, 1)
	assert.Equal(t, second.ID, similar[0].DocumentID)
	assert.Equal(t, "bread.txt", similar[0].Source)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/documents/"+first.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	missing, err := http.Get(ts.URL + "/documents/" + first.ID + "/chunks")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, 64)

	tests := []struct {
		name     string
		filename string
		mimeType string
		content  string
		status   int
	}{
		{"unsupported type", "image.png", "image/png", "not really a png", http.StatusUnsupportedMediaType},
		{"too large", "big.txt", "text/plain", strings.Repeat("a", 65), http.StatusRequestEntityTooLarge},
		{"blank", "blank.txt", "text/plain", "   ", http.StatusBadRequest},
		{"no extractor", "doc.pdf", "application/pdf", "%PDF-1.4", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, ts, tt.filename, tt.mimeType, tt.content)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}

	t.Run("no file", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		require.NoError(t, mw.WriteField("mimeType", "text/plain"))
		require.NoError(t, mw.Close())

		resp, err := http.Post(ts.URL+"/documents", mw.FormDataContentType(), &body)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestQuery(t *testing.T) {
	ts := newTestServer(t, 0)

	resp := upload(t, ts, "facts.txt", "text/plain",
		"The sky is blue. Water boils at 100 degrees. Paris is the capital of France.")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	qr := postQuery(t, ts, `{"question": "What is the capital of France?"}`)
	require.Equal(t, http.StatusOK, qr.StatusCode)
	answer := decode[queryResponse](t, qr)

	assert.Equal(t, []string{"facts.txt"}, answer.Sources)
	require.Len(t, answer.Passages, 1)
	assert.Contains(t, answer.Answer, "Paris is the capital of France")
	assert.GreaterOrEqual(t, answer.Confidence, 0.0)
	assert.LessOrEqual(t, answer.Confidence, 1.0)
	assert.Empty(t, answer.ExpandedQueries)
}

func TestQueryNoResults(t *testing.T) {
	ts := newTestServer(t, 0)

	qr := postQuery(t, ts, `{"question": "What is on Mars?", "similarityThreshold": 0.99}`)
	require.Equal(t, http.StatusOK, qr.StatusCode)
	answer := decode[queryResponse](t, qr)

	assert.Equal(t, rag.NoResultsAnswer, answer.Answer)
	assert.NotNil(t, answer.Sources)
	assert.Empty(t, answer.Sources)
	assert.Zero(t, answer.Confidence)
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(t, 0)

	for _, body := range []string{
		`{"question": "   "}`,
		`not json`,
		`{}`,
		`{"question": "What color is the sky?", "maxSources": 0}`,
		`{"question": "What color is the sky?", "maxSources": -2}`,
	} {
		t.Run(body, func(t *testing.T) {
			qr := postQuery(t, ts, body)
			assert.Equal(t, http.StatusBadRequest, qr.StatusCode)
		})
	}
}

func TestStatusAndReset(t *testing.T) {
	ts := newTestServer(t, 0)

	resp := upload(t, ts, "facts.txt", "text/plain", "The sky is blue.")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	statusResp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	status := decode[models.SystemStatus](t, statusResp)
	assert.Equal(t, models.StatusOperational, status.Status)
	assert.Equal(t, 1, status.VectorStore.TotalDocuments)
	assert.True(t, status.Capabilities.QuestionAnswering)
	assert.Contains(t, status.SupportedFileTypes, "text/plain")

	resetResp, err := http.Post(ts.URL+"/reset", "application/json", nil)
	require.NoError(t, err)
	resetResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resetResp.StatusCode)

	listResp, err := http.Get(ts.URL + "/documents")
	require.NoError(t, err)
	defer listResp.Body.Close()
	list := decode[documentList](t, listResp)
	assert.NotNil(t, list.Documents)
	assert.Empty(t, list.Documents)
}

func TestSimilarValidation(t *testing.T) {
	ts := newTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/chunks/abc_0/similar?limit=zero")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrEmptyInput, http.StatusBadRequest},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrUnsupportedFileType, http.StatusUnsupportedMediaType},
		{models.ErrUnsupportedInput, http.StatusUnsupportedMediaType},
		{models.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrIndexUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", models.ErrSynthesis, models.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", models.ErrSynthesis), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestWebSocketQuery(t *testing.T) {
	ts := newTestServer(t, 0)

	resp := upload(t, ts, "facts.txt", "text/plain", "Paris is the capital of France.")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(Message{Type: MessageQuery, Content: "What is the capital of France?"}))

	var msg struct {
		Type    string        `json:"type"`
		Content string        `json:"content"`
		Data    queryResponse `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageResponse, msg.Type)
	assert.Equal(t, []string{"facts.txt"}, msg.Data.Sources)
	assert.Contains(t, msg.Data.Answer, "Paris")

	require.NoError(t, conn.WriteJSON(Message{Type: MessageQuery, Content: "  "}))
	var errMsg Message
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, MessageError, errMsg.Type)
	assert.Contains(t, errMsg.Content, models.ErrEmptyInput.Error())

	require.NoError(t, conn.WriteJSON(Message{Type: "dance"}))
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, MessageError, errMsg.Type)
}

func TestWebSocketScrape(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Docs</title></head><body><main><p>Bread rises because yeast produces gas.</p></main></body></html>`))
	}))
	defer site.Close()

	ts := newTestServer(t, 0)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(Message{Type: MessageScrape, Content: site.URL}))

	var types []string
	var last Message
	for len(types) == 0 || !strings.HasPrefix(last.Content, "Ingested") {
		require.NoError(t, conn.ReadJSON(&last))
		require.NotEqual(t, MessageError, last.Type, last.Content)
		types = append(types, last.Type)
	}
	assert.Equal(t, []string{MessageStatus, MessageProgress, MessageStatus}, types)
	assert.Equal(t, "Ingested 1 of 1 pages", last.Content)

	listResp, err := http.Get(ts.URL + "/documents")
	require.NoError(t, err)
	defer listResp.Body.Close()
	list := decode[documentList](t, listResp)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, site.URL, list.Documents[0].Filename)
}
