package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/docqa/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHashDimension   = 384
	DefaultOllamaDimension = 768
	DefaultBatchSize       = 10
	DefaultEmbeddingModel  = "nomic-embed-text"
	DefaultBaseURL         = "http://localhost:11434"
)

var whitespace = regexp.MustCompile(`\s+`)

// CosineSimilarity returns the cosine of the angle between a and b.
// It returns 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", models.ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push identical vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim)), nil
}

// HashEmbedderConfig configures the deterministic placeholder embedder.
type HashEmbedderConfig struct {
	Dimension int
	BatchSize int
	// Workers bounds how many batches are embedded concurrently.
	Workers int
}

// HashEmbedder derives vectors from a string hash spread through
// trigonometric functions. It is stable across runs but carries no
// meaning: similar texts do not get similar vectors.
type HashEmbedder struct {
	config HashEmbedderConfig
}

func NewHashEmbedder(config HashEmbedderConfig) *HashEmbedder {
	if config.Dimension <= 0 {
		config.Dimension = DefaultHashDimension
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	return &HashEmbedder{config: config}
}

func (e *HashEmbedder) Name() string   { return "hash" }
func (e *HashEmbedder) Dimension() int { return e.config.Dimension }

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

// EmbedBatch embeds texts in sub-batches of BatchSize, fanning batches out
// across Workers goroutines. Output order matches input order.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				out[i] = e.vector(texts[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float64 {
	lower := strings.ToLower(text)
	hash := float64(simpleHash(lower))
	words := float64(len(whitespace.Split(lower, -1)))

	v := make([]float64, e.config.Dimension)
	var sumSquares float64
	for i := range v {
		seed := hash + words + float64(i)
		v[i] = (math.Sin(seed) + math.Cos(seed*2) + math.Sin(seed*3)) / 3
		sumSquares += v[i] * v[i]
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	for i := range v {
		v[i] /= magnitude
	}
	return v
}

// simpleHash is the 31-multiplier string hash over UTF-16 code units with
// 32-bit wraparound.
func simpleHash(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// EmbeddingClient is the subset of a langchaingo embedder used here.
// *ollama.LLM satisfies it.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderConfig configures an Ollama-backed embedder.
type EmbedderConfig struct {
	Model     string
	BaseURL   string // Ollama server URL
	Dimension int
	BatchSize int
	Timeout   time.Duration
	// Client overrides the Ollama client, mostly for tests.
	Client EmbeddingClient
	Logger *slog.Logger
}

// OllamaEmbedder embeds text through an Ollama embedding model.
type OllamaEmbedder struct {
	config EmbedderConfig
	client EmbeddingClient
	logger *slog.Logger
}

func NewEmbedderWithConfig(config EmbedderConfig) (*OllamaEmbedder, error) {
	if config.Model == "" {
		config.Model = DefaultEmbeddingModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Dimension <= 0 {
		config.Dimension = DefaultOllamaDimension
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := config.Client
	if client == nil {
		emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		client = emb
	}

	return &OllamaEmbedder{
		config: config,
		client: client,
		logger: logger,
	}, nil
}

func (e *OllamaEmbedder) Name() string   { return "ollama:" + e.config.Model }
func (e *OllamaEmbedder) Dimension() int { return e.config.Dimension }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		batch, err := e.createEmbedding(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}

	return out, nil
}

func (e *OllamaEmbedder) createEmbedding(ctx context.Context, texts []string) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	started := time.Now()
	raw, err := e.client.CreateEmbedding(ctx, texts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: embedding %d texts after %s", models.ErrTimeout, len(texts), e.config.Timeout)
		}
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("embedding model returned %d vectors for %d texts", len(raw), len(texts))
	}

	vectors := make([][]float64, len(raw))
	for i, v := range raw {
		if len(v) != e.config.Dimension {
			return nil, fmt.Errorf("%w: model %s returned %d, configured %d",
				models.ErrDimensionMismatch, e.config.Model, len(v), e.config.Dimension)
		}
		vectors[i] = make([]float64, len(v))
		for j, x := range v {
			vectors[i][j] = float64(x)
		}
	}

	e.logger.Debug("created embeddings", "count", len(texts), "model", e.config.Model, "took", time.Since(started))
	return vectors, nil
}
