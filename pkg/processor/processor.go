package processor

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/internal/types"
)

// Supported MIME types.
const (
	MimePlainText = "text/plain"
	MimePDF       = "application/pdf"
	MimeDOCX      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeDOC       = "application/msword"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	// charsPerWord converts the overlap budget from characters to words.
	charsPerWord = 5
)

var sentenceDelimiters = regexp.MustCompile(`[.!?]+`)

// SupportedFileTypes returns the ingestion allow-list.
func SupportedFileTypes() []string {
	return []string{MimePlainText, MimePDF, MimeDOCX, MimeDOC}
}

// IsFileTypeSupported reports whether mimeType names an allowed type.
// Parameters such as "; charset=utf-8" are ignored.
func IsFileTypeSupported(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	for _, t := range SupportedFileTypes() {
		if strings.Contains(mimeType, t) {
			return true
		}
	}
	return false
}

type ProcessorConfig struct {
	// ChunkSize is the soft character limit per chunk. Zero means DefaultChunkSize.
	ChunkSize int
	// ChunkOverlap is the character budget carried into the next chunk.
	// Zero means DefaultChunkOverlap; negative disables overlap.
	ChunkOverlap int
	// Extractors maps a base MIME type to the collaborator that turns its
	// bytes into text. text/plain is handled internally.
	Extractors map[string]types.Extractor
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) *Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = DefaultChunkOverlap
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if config.Extractors == nil {
		config.Extractors = make(map[string]types.Extractor)
	}

	return &Processor{
		config: config,
	}
}

// ChunkSize returns the configured chunk size in characters.
func (p *Processor) ChunkSize() int { return p.config.ChunkSize }

// ChunkOverlap returns the configured overlap in characters.
func (p *Processor) ChunkOverlap() int { return p.config.ChunkOverlap }

// RegisterExtractor installs the text extractor for mimeType.
func (p *Processor) RegisterExtractor(mimeType string, e types.Extractor) {
	p.config.Extractors[baseType(mimeType)] = e
}

// Extract returns the text content of data. Plain text is passed through;
// other allowed types need a registered Extractor.
func (p *Processor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	if !IsFileTypeSupported(mimeType) {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedFileType, mimeType)
	}

	base := baseType(mimeType)
	if base == MimePlainText {
		return strings.ToValidUTF8(string(data), ""), nil
	}

	extractor, ok := p.config.Extractors[base]
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnsupportedInput, base)
	}
	text, err := extractor.Extract(ctx, data)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", base, err)
	}
	return text, nil
}

// Chunk splits text into ordered, overlapping chunks owned by documentID.
// Sentences are never split; a sentence longer than the chunk size becomes
// its own chunk.
func (p *Processor) Chunk(text, documentID, source string) []models.Chunk {
	sentences := p.splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []models.Chunk
	now := time.Now()
	emit := func(content string) {
		idx := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:               fmt.Sprintf("%s_%d", documentID, idx),
			Content:          strings.TrimSpace(content),
			SourceDocumentID: documentID,
			Source:           source,
			ChunkIndex:       idx,
			CreatedAt:        now,
		})
	}

	current := ""
	for _, sentence := range sentences {
		candidate := sentence
		if current != "" {
			candidate = current + ". " + sentence
		}

		if utf8.RuneCountInString(candidate) > p.config.ChunkSize && current != "" {
			emit(current)
			current = p.overlapPrefix(current) + sentence
			continue
		}
		current = candidate
	}

	if strings.TrimSpace(current) != "" {
		emit(current)
	}

	return chunks
}

// overlapPrefix returns the trailing overlap words of a closed chunk,
// followed by a sentence separator, or "" when overlap is disabled.
func (p *Processor) overlapPrefix(previous string) string {
	n := p.config.ChunkOverlap / charsPerWord
	if n <= 0 {
		return ""
	}
	words := strings.Split(previous, " ")
	if n < len(words) {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ") + ". "
}

func (p *Processor) splitIntoSentences(text string) []string {
	var sentences []string
	for _, s := range sentenceDelimiters.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

var extensionTypes = map[string]string{
	".txt":      MimePlainText,
	".text":     MimePlainText,
	".md":       MimePlainText,
	".markdown": MimePlainText,
	".pdf":      MimePDF,
	".docx":     MimeDOCX,
	".doc":      MimeDOC,
}

// MimeTypeForFilename guesses a MIME type from the file extension, falling
// back to the system table and then to application/octet-stream.
func MimeTypeForFilename(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func baseType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
