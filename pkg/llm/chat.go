package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/docqa/internal/models"
)

const DefaultChatModel = "mistral"

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
	ExpandTemplate  string
	// MaxExpansions caps the related queries returned by ExpandQuery.
	MaxExpansions int
	BaseURL       string // Ollama server URL
	Timeout       time.Duration
	// LLM overrides the Ollama model, mostly for tests.
	LLM    llms.Model
	Logger *slog.Logger
}

// ChatEngine answers questions with a language model, grounded on the
// retrieved passages. It implements types.Synthesizer and types.QueryExpander.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
	logger *slog.Logger
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = DefaultChatModel
	}
	if config.Temperature <= 0 || config.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 500
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant. Answer the question based ONLY on the provided context. Cite the source document for each piece of information used."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "Context:\n%s\n\nQuestion: %s\n\nAnswer:"
	}
	if config.ExpandTemplate == "" {
		config.ExpandTemplate = "Generate 3 related queries that capture different aspects of the original query. Return as a JSON list of strings."
	}
	if config.MaxExpansions <= 0 {
		config.MaxExpansions = 3
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	model := config.LLM
	if model == nil {
		llm, err := ollama.New(ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM: %w", err)
		}
		model = llm
	}

	return &ChatEngine{
		config: config,
		llm:    model,
		logger: logger,
	}, nil
}

// Synthesize generates an answer to question from the ranked sources.
// Failures wrap models.ErrSynthesis, and deadline overruns also wrap
// models.ErrTimeout.
func (ce *ChatEngine) Synthesize(ctx context.Context, question string, sources []models.SearchResult) (string, error) {
	var contextBuilder strings.Builder
	for _, src := range sources {
		contextBuilder.WriteString(fmt.Sprintf("Source: %s\n%s\n\n", src.Chunk.Source, src.Chunk.Content))
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman,
			fmt.Sprintf(ce.config.ContextTemplate, contextBuilder.String(), question)),
	}

	answer, err := ce.generate(ctx, content, ce.config.MaxTokens)
	if err != nil {
		return "", err
	}
	return answer + formatSources(sources), nil
}

// ExpandQuery asks the model for related phrasings of question. The
// original question is never part of the result.
func (ce *ChatEngine) ExpandQuery(ctx context.Context, question string) ([]string, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.ExpandTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, "Original query: "+question),
	}

	raw, err := ce.generate(ctx, content, 150)
	if err != nil {
		return nil, err
	}

	queries, err := parseQueryList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable expansion: %w", models.ErrSynthesis, err)
	}

	seen := map[string]bool{strings.ToLower(strings.TrimSpace(question)): true}
	var out []string
	for _, q := range queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == ce.config.MaxExpansions {
			break
		}
	}

	ce.logger.Debug("expanded query", "question", question, "expansions", len(out))
	return out, nil
}

func (ce *ChatEngine) generate(ctx context.Context, content []llms.MessageContent, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
	defer cancel()

	response, err := ce.llm.GenerateContent(ctx, content,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(ce.config.Temperature))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: model %s after %s", models.ErrSynthesis, models.ErrTimeout, ce.config.Model, ce.config.Timeout)
		}
		return "", fmt.Errorf("%w: chat error: %w", models.ErrSynthesis, err)
	}

	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return "", fmt.Errorf("%w: no response from LLM", models.ErrSynthesis)
	}

	text := strings.TrimSpace(response.Choices[0].Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty response from LLM", models.ErrSynthesis)
	}
	return text, nil
}

// parseQueryList reads a JSON array of strings, tolerating prose or code
// fences around it.
func parseQueryList(raw string) ([]string, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON list in %q", raw)
	}

	var queries []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &queries); err != nil {
		return nil, err
	}
	return queries, nil
}

// formatSources formats the sources for citation.
func formatSources(sources []models.SearchResult) string {
	names := distinctSources(sources)
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("\n\nSources:\n%s", strings.Join(names, "\n"))
}

// distinctSources returns source identifiers in first-seen order.
func distinctSources(sources []models.SearchResult) []string {
	var names []string
	seen := make(map[string]bool)

	for _, src := range sources {
		name := src.Chunk.Source
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
