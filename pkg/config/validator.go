package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Embedder config
	switch c.Embedder.Type {
	case EmbedderHash:
	case EmbedderOllama:
		errors = append(errors, validateURL("embedder.base_url", c.Embedder.BaseURL)...)
	default:
		errors = append(errors, ValidationError{
			Field:   "embedder.type",
			Message: fmt.Sprintf("unknown embedder %q, want hash or ollama", c.Embedder.Type),
		})
	}

	if c.Embedder.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedder.dimension",
			Message: "dimension must be positive",
		})
	}

	if c.Embedder.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedder.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate Synthesizer config
	switch c.Synthesizer.Type {
	case SynthesizerExtractive:
	case SynthesizerOllama:
		errors = append(errors, validateURL("synthesizer.base_url", c.Synthesizer.BaseURL)...)

		if c.Synthesizer.MaxTokens < 1 || c.Synthesizer.MaxTokens > 4096 {
			errors = append(errors, ValidationError{
				Field:   "synthesizer.max_tokens",
				Message: "max_tokens must be between 1 and 4096",
			})
		}

		if c.Synthesizer.Temperature <= 0 || c.Synthesizer.Temperature > 1 {
			errors = append(errors, ValidationError{
				Field:   "synthesizer.temperature",
				Message: "temperature must be between 0 and 1",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "synthesizer.type",
			Message: fmt.Sprintf("unknown synthesizer %q, want extractive or ollama", c.Synthesizer.Type),
		})
	}

	if c.Retrieval.ExpandQueries && c.Synthesizer.Type != SynthesizerOllama {
		errors = append(errors, ValidationError{
			Field:   "retrieval.expand_queries",
			Message: "query expansion requires the ollama synthesizer",
		})
	}

	// Validate Index config
	switch c.Index.Type {
	case IndexMemory:
	case IndexSQLite:
		if c.Index.Path == "" {
			errors = append(errors, ValidationError{
				Field:   "index.path",
				Message: "path is required for the sqlite index",
			})
		}
	case IndexPgVector:
		if c.Index.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "index.url",
				Message: "url is required for the pgvector index",
			})
		} else if u, err := url.Parse(c.Index.URL); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "index.url",
				Message: "invalid database URL",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "index.type",
			Message: fmt.Sprintf("unknown index %q, want memory, sqlite or pgvector", c.Index.Type),
		})
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Processor.MaxFileSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.max_file_size",
			Message: "max_file_size must be positive",
		})
	}

	// Validate Retrieval config
	if c.Retrieval.MaxSources < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.max_sources",
			Message: "max_sources must be positive",
		})
	}

	if t := c.SimilarityThreshold(); t < -1 || t > 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.similarity_threshold",
			Message: "similarity_threshold must be between -1 and 1",
		})
	}

	// Validate Scraper config
	if c.Scraper.MaxDepth < 1 {
		errors = append(errors, ValidationError{
			Field:   "scraper.max_depth",
			Message: "max_depth must be positive",
		})
	}

	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	// Validate extensions format
	for _, ext := range c.Scraper.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") && ext != "" && ext != "/" {
			errors = append(errors, ValidationError{
				Field:   "scraper.allowed_extensions",
				Message: fmt.Sprintf("invalid extension format: %s", ext),
			})
		}
	}

	return errors
}

func validateURL(field, raw string) []ValidationError {
	if raw == "" {
		return []ValidationError{{Field: field, Message: "Ollama base URL is required"}}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []ValidationError{{Field: field, Message: "invalid Ollama base URL"}}
	}
	return nil
}
