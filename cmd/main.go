package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/xhad/docqa/internal/types"
	cfgPkg "github.com/xhad/docqa/pkg/config"
	"github.com/xhad/docqa/pkg/llm"
	"github.com/xhad/docqa/pkg/processor"
	"github.com/xhad/docqa/pkg/rag"
	"github.com/xhad/docqa/pkg/scraper"
	"github.com/xhad/docqa/pkg/store"
	"github.com/xhad/docqa/server"
)

type options struct {
	ConfigPath string
	DocsURL    string
	OllamaURL  string
	DBUrl      string
	Serve      bool
	Files      []string
}

func main() {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&opts.DocsURL, "docs-url", "", "Documentation URL to scrape and index")
	flag.StringVar(&opts.OllamaURL, "ollama-url", "", "Ollama server URL (overrides config)")
	flag.StringVar(&opts.DBUrl, "db-url", "", "PostgreSQL connection string (overrides config)")
	flag.BoolVar(&opts.Serve, "serve", false, "Serve the HTTP API instead of the interactive chat")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [files or directories to index...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	opts.Files = flag.Args()

	return opts
}

func loadConfig(opts options) (*cfgPkg.Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := cfgPkg.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.OllamaURL != "" {
		cfg.Embedder.BaseURL = opts.OllamaURL
		cfg.Synthesizer.BaseURL = opts.OllamaURL
	}
	if opts.DBUrl != "" {
		cfg.Index.URL = opts.DBUrl
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	engine, index, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	if len(opts.Files) > 0 {
		if err := ingestFiles(ctx, engine, opts.Files); err != nil {
			return err
		}
	}

	if opts.DocsURL != "" {
		if err := ingestURL(ctx, engine, scraperConfig(cfg, logger), opts.DocsURL); err != nil {
			return err
		}
	}

	if opts.Serve {
		srv, err := server.New(server.Config{
			Engine:         engine,
			MaxUploadBytes: cfg.Processor.MaxFileSize,
			Scraper:        scraperConfig(cfg, logger),
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	}

	return chat(ctx, engine, scraperConfig(cfg, logger))
}

// newEngine assembles the pipeline described by cfg. The caller closes
// the returned index.
func newEngine(ctx context.Context, cfg *cfgPkg.Config, logger *slog.Logger) (*rag.Engine, types.VectorIndex, error) {
	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	index, err := newIndex(ctx, cfg, embedder, logger)
	if err != nil {
		return nil, nil, err
	}

	synthesizer, expander, err := newSynthesizer(cfg, logger)
	if err != nil {
		index.Close()
		return nil, nil, err
	}

	proc := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
	})

	engine, err := rag.NewWithConfig(rag.Config{
		Index:                    index,
		Processor:                proc,
		Synthesizer:              synthesizer,
		Expander:                 expander,
		MaxSources:               cfg.Retrieval.MaxSources,
		SimilarityThreshold:      cfg.Retrieval.SimilarityThreshold,
		MaxFileSize:              cfg.Processor.MaxFileSize,
		FallbackOnSynthesisError: cfg.Synthesizer.Fallback,
		Logger:                   logger,
	})
	if err != nil {
		index.Close()
		return nil, nil, err
	}

	logger.Info("engine ready",
		"embedder", embedder.Name(), "index", cfg.Index.Type, "synthesizer", cfg.Synthesizer.Type)
	return engine, index, nil
}

func newEmbedder(cfg *cfgPkg.Config, logger *slog.Logger) (types.Embedder, error) {
	switch cfg.Embedder.Type {
	case cfgPkg.EmbedderOllama:
		emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
			Model:     cfg.Embedder.Model,
			BaseURL:   cfg.Embedder.BaseURL,
			Dimension: cfg.Embedder.Dimension,
			BatchSize: cfg.Embedder.BatchSize,
			Timeout:   cfg.EmbedderTimeout(),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		return emb, nil
	default:
		return llm.NewHashEmbedder(llm.HashEmbedderConfig{
			Dimension: cfg.Embedder.Dimension,
			BatchSize: cfg.Embedder.BatchSize,
			Workers:   cfg.Embedder.Workers,
		}), nil
	}
}

func newIndex(ctx context.Context, cfg *cfgPkg.Config, embedder types.Embedder, logger *slog.Logger) (types.VectorIndex, error) {
	var (
		index types.VectorIndex
		err   error
	)
	switch cfg.Index.Type {
	case cfgPkg.IndexSQLite:
		index, err = store.NewSQLiteIndex(store.SQLiteIndexConfig{
			Path:     cfg.Index.Path,
			Embedder: embedder,
			Logger:   logger,
		})
	case cfgPkg.IndexPgVector:
		index, err = store.NewPgVectorIndex(ctx, store.PgVectorConfig{
			ConnString: cfg.Index.URL,
			TableName:  cfg.Index.TableName,
			Embedder:   embedder,
			IndexLists: cfg.Index.IndexLists,
			Logger:     logger,
		})
	default:
		index, err = store.NewMemoryIndex(store.MemoryIndexConfig{
			Embedder: embedder,
			Logger:   logger,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	return index, nil
}

// newSynthesizer returns the answer synthesizer and, when query expansion
// is enabled, the expander. Only the LLM synthesizer can expand queries.
func newSynthesizer(cfg *cfgPkg.Config, logger *slog.Logger) (types.Synthesizer, types.QueryExpander, error) {
	if cfg.Synthesizer.Type != cfgPkg.SynthesizerOllama {
		return llm.NewExtractiveSynthesizer(), nil, nil
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       cfg.Synthesizer.Model,
		MaxTokens:   cfg.Synthesizer.MaxTokens,
		BaseURL:     cfg.Synthesizer.BaseURL,
		Temperature: cfg.Synthesizer.Temperature,
		Timeout:     cfg.SynthesizerTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}
	if cfg.Retrieval.ExpandQueries {
		return chatEngine, chatEngine, nil
	}
	return chatEngine, nil, nil
}

func scraperConfig(cfg *cfgPkg.Config, logger *slog.Logger) scraper.ScraperConfig {
	return scraper.ScraperConfig{
		MaxDepth:          cfg.Scraper.MaxDepth,
		RateLimit:         cfg.Scraper.RateLimit,
		IgnorePatterns:    cfg.Scraper.IgnorePatterns,
		AllowedExtensions: cfg.Scraper.AllowedExtensions,
		Logger:            logger,
	}
}
