package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/docqa/internal/models"
)

const (
	maxAnswerSentences = 3
	minSentenceLength  = 20
	hintLength         = 200
)

var (
	sentenceDelimiters = regexp.MustCompile(`[.!?]+`)

	interrogatives = map[string]bool{
		"what": true, "how": true, "when": true, "where": true,
		"why": true, "which": true, "who": true,
	}
)

// ExtractiveSynthesizer builds answers by quoting source sentences that
// mention the question's keywords. It needs no model and is deterministic.
type ExtractiveSynthesizer struct{}

func NewExtractiveSynthesizer() *ExtractiveSynthesizer {
	return &ExtractiveSynthesizer{}
}

func (s *ExtractiveSynthesizer) Synthesize(ctx context.Context, question string, sources []models.SearchResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	contents := make([]string, len(sources))
	for i, src := range sources {
		contents[i] = src.Chunk.Content
	}
	passages := strings.Join(contents, "\n\n")

	words := questionWords(question)
	keywords := keywordsOf(words)
	sentences := matchingSentences(passages, keywords)

	if len(sentences) == 0 {
		return fmt.Sprintf("Based on the available documents, I found information related to your question about \"%s\". "+
			"However, I cannot provide a specific answer. The relevant context suggests: %s...",
			question, truncateRunes(passages, hintLength)), nil
	}

	var b strings.Builder
	b.WriteString("Based on the information in the knowledge base:\n\n")

	joined := strings.Join(sentences, ". ")
	switch {
	case words["what"] || words["define"]:
		b.WriteString(sentences[0] + ". ")
	case words["how"]:
		b.WriteString("Here's how this works: " + joined + ". ")
	case words["why"]:
		b.WriteString("The reason is: " + joined + ". ")
	default:
		b.WriteString(joined + ". ")
	}

	if names := distinctSources(sources); len(names) > 0 {
		b.WriteString("\n\nThis information comes from: " + strings.Join(names, ", ") + ".")
	}

	return b.String(), nil
}

// questionWords returns the lowercased words of q with surrounding
// punctuation removed.
func questionWords(q string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(q)) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			words[w] = true
		}
	}
	return words
}

func keywordsOf(words map[string]bool) []string {
	var keywords []string
	for w := range words {
		if utf8.RuneCountInString(w) > 3 && !interrogatives[w] {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

// matchingSentences returns up to maxAnswerSentences sentences of text, in
// order, that mention any keyword.
func matchingSentences(text string, keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}

	var out []string
	for _, s := range sentenceDelimiters.Split(text, -1) {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) <= minSentenceLength {
			continue
		}
		lower := strings.ToLower(s)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				out = append(out, s)
				break
			}
		}
		if len(out) == maxAnswerSentences {
			break
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
