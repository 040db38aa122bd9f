package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/pkg/llm"
)

type fakeModel struct {
	reply    string
	err      error
	delay    time.Duration
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func humanText(t *testing.T, m llms.MessageContent) string {
	t.Helper()
	require.NotEmpty(t, m.Parts)
	part, ok := m.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestNewWithConfig(t *testing.T) {
	engine, err := llm.NewWithConfig(llm.ChatConfig{Temperature: 0.5, LLM: &fakeModel{}})
	assert.NoError(t, err)
	assert.NotNil(t, engine)

	_, err = llm.NewWithConfig(llm.ChatConfig{Temperature: 1.5, LLM: &fakeModel{}})
	assert.Error(t, err)

	_, err = llm.NewWithConfig(llm.ChatConfig{Temperature: 0.5, MaxTokens: -1, LLM: &fakeModel{}})
	assert.Error(t, err)
}

func TestChatEngine_Synthesize(t *testing.T) {
	model := &fakeModel{reply: "Paris is the capital of France."}
	engine, err := llm.NewWithConfig(llm.ChatConfig{Temperature: 0.2, LLM: model})
	require.NoError(t, err)

	sources := []models.SearchResult{
		{Chunk: models.Chunk{Content: "Paris is the capital of France", Source: "geo.txt"}, Score: 0.9},
		{Chunk: models.Chunk{Content: "France is in Europe", Source: "geo.txt"}, Score: 0.8},
	}

	answer, err := engine.Synthesize(context.Background(), "What is the capital of France?", sources)
	require.NoError(t, err)
	assert.Contains(t, answer, "Paris is the capital of France.")
	assert.Contains(t, answer, "Sources:\ngeo.txt")

	require.Len(t, model.messages, 2)
	prompt := humanText(t, model.messages[1])
	assert.Contains(t, prompt, "Source: geo.txt\nParis is the capital of France")
	assert.Contains(t, prompt, "Question: What is the capital of France?")
}

func TestChatEngine_SynthesizeErrors(t *testing.T) {
	sources := []models.SearchResult{{Chunk: models.Chunk{Content: "x", Source: "s"}, Score: 1}}

	engine, err := llm.NewWithConfig(llm.ChatConfig{Temperature: 0.2, LLM: &fakeModel{err: errors.New("model not found")}})
	require.NoError(t, err)
	_, err = engine.Synthesize(context.Background(), "q", sources)
	assert.ErrorIs(t, err, models.ErrSynthesis)

	engine, err = llm.NewWithConfig(llm.ChatConfig{Temperature: 0.2, LLM: &fakeModel{reply: "  "}})
	require.NoError(t, err)
	_, err = engine.Synthesize(context.Background(), "q", sources)
	assert.ErrorIs(t, err, models.ErrSynthesis)

	engine, err = llm.NewWithConfig(llm.ChatConfig{
		Temperature: 0.2,
		Timeout:     10 * time.Millisecond,
		LLM:         &fakeModel{reply: "late", delay: time.Second},
	})
	require.NoError(t, err)
	_, err = engine.Synthesize(context.Background(), "q", sources)
	assert.ErrorIs(t, err, models.ErrSynthesis)
	assert.ErrorIs(t, err, models.ErrTimeout)
}

func TestChatEngine_ExpandQuery(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{
			name:  "plain list",
			reply: `["capital city of France", "French government seat", "largest city in France"]`,
			want:  []string{"capital city of France", "French government seat", "largest city in France"},
		},
		{
			name:  "fenced with duplicates",
			reply: "Sure:\n```json\n[\"What is the capital of France?\", \"Paris facts\", \"paris facts\", \"\"]\n```",
			want:  []string{"Paris facts"},
		},
		{
			name:  "capped",
			reply: `["a1", "a2", "a3", "a4", "a5"]`,
			want:  []string{"a1", "a2", "a3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := llm.NewWithConfig(llm.ChatConfig{Temperature: 0.2, LLM: &fakeModel{reply: tt.reply}})
			require.NoError(t, err)

			got, err := engine.ExpandQuery(context.Background(), "What is the capital of France?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	engine, err := llm.NewWithConfig(llm.ChatConfig{Temperature: 0.2, LLM: &fakeModel{reply: "no list here"}})
	require.NoError(t, err)
	_, err = engine.ExpandQuery(context.Background(), "q")
	assert.ErrorIs(t, err, models.ErrSynthesis)
}
