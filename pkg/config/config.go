package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EmbedderHash   = "hash"
	EmbedderOllama = "ollama"

	SynthesizerExtractive = "extractive"
	SynthesizerOllama     = "ollama"

	IndexMemory   = "memory"
	IndexSQLite   = "sqlite"
	IndexPgVector = "pgvector"
)

type Config struct {
	Embedder struct {
		Type        string `yaml:"type"`
		Model       string `yaml:"model"`
		BaseURL     string `yaml:"base_url"`
		Dimension   int    `yaml:"dimension"`
		BatchSize   int    `yaml:"batch_size"`
		Workers     int    `yaml:"workers"`
		TimeoutSecs int    `yaml:"timeout_secs"`
	} `yaml:"embedder"`

	Synthesizer struct {
		Type        string  `yaml:"type"`
		Model       string  `yaml:"model"`
		BaseURL     string  `yaml:"base_url"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		TimeoutSecs int     `yaml:"timeout_secs"`
		Fallback    bool    `yaml:"fallback"`
	} `yaml:"synthesizer"`

	Index struct {
		Type       string `yaml:"type"`
		Path       string `yaml:"path"`
		URL        string `yaml:"url"`
		TableName  string `yaml:"table_name"`
		IndexLists int    `yaml:"index_lists"`
	} `yaml:"index"`

	Processor struct {
		ChunkSize    int   `yaml:"chunk_size"`
		ChunkOverlap int   `yaml:"chunk_overlap"`
		MaxFileSize  int64 `yaml:"max_file_size"`
	} `yaml:"processor"`

	Retrieval struct {
		MaxSources int `yaml:"max_sources"`
		// Pointer so that an explicit 0 is kept.
		SimilarityThreshold *float64 `yaml:"similarity_threshold"`
		ExpandQueries       bool     `yaml:"expand_queries"`
	} `yaml:"retrieval"`

	Scraper struct {
		MaxDepth          int      `yaml:"max_depth"`
		RateLimit         float64  `yaml:"rate_limit"`
		IgnorePatterns    []string `yaml:"ignore_patterns"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"scraper"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docqa/config.yaml"),
			"/etc/docqa/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Embedder.Type == "" {
		config.Embedder.Type = EmbedderHash
	}
	if config.Embedder.Model == "" {
		config.Embedder.Model = "nomic-embed-text"
	}
	if config.Embedder.BaseURL == "" {
		config.Embedder.BaseURL = "http://localhost:11434"
	}
	if config.Embedder.Dimension == 0 {
		if config.Embedder.Type == EmbedderOllama {
			config.Embedder.Dimension = 768
		} else {
			config.Embedder.Dimension = 384
		}
	}
	if config.Embedder.BatchSize == 0 {
		config.Embedder.BatchSize = 10
	}
	if config.Embedder.Workers == 0 {
		config.Embedder.Workers = 4
	}
	if config.Embedder.TimeoutSecs == 0 {
		config.Embedder.TimeoutSecs = 30
	}

	if config.Synthesizer.Type == "" {
		config.Synthesizer.Type = SynthesizerExtractive
	}
	if config.Synthesizer.Model == "" {
		config.Synthesizer.Model = "mistral"
	}
	if config.Synthesizer.BaseURL == "" {
		config.Synthesizer.BaseURL = "http://localhost:11434"
	}
	if config.Synthesizer.MaxTokens == 0 {
		config.Synthesizer.MaxTokens = 500
	}
	if config.Synthesizer.Temperature == 0 {
		config.Synthesizer.Temperature = 0.7
	}
	if config.Synthesizer.TimeoutSecs == 0 {
		config.Synthesizer.TimeoutSecs = 60
	}

	if config.Index.Type == "" {
		config.Index.Type = IndexMemory
	}
	if config.Index.Path == "" {
		config.Index.Path = filepath.Join(os.Getenv("HOME"), ".local/share/docqa/index.db")
	}
	if config.Index.TableName == "" {
		config.Index.TableName = "documents"
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}
	if config.Processor.MaxFileSize == 0 {
		config.Processor.MaxFileSize = 10 << 20
	}

	if config.Retrieval.MaxSources == 0 {
		config.Retrieval.MaxSources = 5
	}
	if config.Retrieval.SimilarityThreshold == nil {
		threshold := 0.7
		config.Retrieval.SimilarityThreshold = &threshold
	}

	if config.Scraper.MaxDepth == 0 {
		config.Scraper.MaxDepth = 3
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.Embedder.BaseURL = baseURL
		config.Synthesizer.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Index.URL = dbURL
	}
	if addr := os.Getenv("DOCQA_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
}

// SimilarityThreshold returns the configured retrieval floor.
func (c *Config) SimilarityThreshold() float64 {
	if c.Retrieval.SimilarityThreshold == nil {
		return 0.7
	}
	return *c.Retrieval.SimilarityThreshold
}

func (c *Config) EmbedderTimeout() time.Duration {
	return time.Duration(c.Embedder.TimeoutSecs) * time.Second
}

func (c *Config) SynthesizerTimeout() time.Duration {
	return time.Duration(c.Synthesizer.TimeoutSecs) * time.Second
}

// NewLogger builds the process logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
