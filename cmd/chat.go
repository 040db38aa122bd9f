package main

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/docqa/internal/models"
	"github.com/xhad/docqa/pkg/processor"
	"github.com/xhad/docqa/pkg/rag"
	"github.com/xhad/docqa/pkg/scraper"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// collectFiles expands directories into the supported files they contain.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && processor.IsFileTypeSupported(processor.MimeTypeForFilename(p)) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func ingestFiles(ctx context.Context, engine *rag.Engine, paths []string) error {
	files, err := collectFiles(paths)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}

	bar := getProgressBar(len(files), "Indexing files")
	var chunks, failed int
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		summary, err := engine.Ingest(ctx, rag.IngestRequest{
			Filename: filepath.Base(path),
			MimeType: processor.MimeTypeForFilename(path),
			Data:     data,
		})
		bar.Add(1)
		if err != nil {
			failed++
			color.Red("\nSkipping %s: %v", path, err)
			continue
		}
		chunks += summary.ChunkCount
	}
	bar.Finish()

	color.Green("\n✓ Indexed %d files into %d chunks", len(files)-failed, chunks)
	return nil
}

func ingestURL(ctx context.Context, engine *rag.Engine, config scraper.ScraperConfig, url string) error {
	color.Blue("\nStarting documentation pipeline for %s\n", url)

	var scrapeCount atomic.Int32
	config.BaseURL = url
	config.OnProgress = func(string) {
		scrapeCount.Add(1)
	}
	s, err := scraper.NewWithConfig(config)
	if err != nil {
		return fmt.Errorf("failed to initialize scraper: %w", err)
	}

	scrapingBar := getProgressBar(-1, "Scraping documentation...")
	done := make(chan struct{})
	go func() {
		startTime := time.Now()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				count := scrapeCount.Load()
				scrapingBar.Set(int(count))
				rate := float64(count) / time.Since(startTime).Seconds()
				scrapingBar.Describe(color.BlueString("Scraping documentation (%.1f pages/sec)", rate))
			}
		}
	}()

	pages, err := s.Scrape(ctx, url)
	close(done)
	scrapingBar.Finish()
	if err != nil {
		return fmt.Errorf("failed to scrape %s: %w", url, err)
	}
	color.Green("\n✓ Scraped %d pages", len(pages))

	processingBar := getProgressBar(len(pages), "Indexing pages")
	chunks := 0
	for _, page := range pages {
		summary, err := engine.IngestText(ctx, page.URL, page.Content)
		processingBar.Add(1)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			color.Red("\nSkipping %s: %v", page.URL, err)
			continue
		}
		chunks += summary.ChunkCount
	}
	processingBar.Finish()
	color.Green("\n✓ Indexed into %d chunks", chunks)
	return nil
}

func printAnswer(resp *models.RAGResponse) {
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	assistantPrompt("\nAssistant: %s\n", resp.Answer)

	if resp.SynthesisUnavailable {
		color.Yellow("(answer generation unavailable, showing the best matching passage)")
	}
	if len(resp.Sources) == 0 {
		return
	}

	details := color.New(color.FgHiBlack)
	details.Printf("\nConfidence %.0f%%, %d sources in %s\n",
		resp.Confidence*100, len(resp.Sources), resp.ProcessingTime.Round(time.Millisecond))
	for _, src := range resp.Sources {
		details.Printf("  %.3f  %s #%d\n", src.Score, src.Chunk.Source, src.Chunk.ChunkIndex)
	}
	for _, q := range resp.ExpandedQueries {
		details.Printf("  also searched: %s\n", q)
	}
}

func chat(ctx context.Context, engine *rag.Engine, scraperConfig scraper.ScraperConfig) error {
	color.Cyan("\nChat with your documents (type 'exit' to quit)")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	userPrompt := color.New(color.FgGreen).PrintfFunc()
	for {
		userPrompt("\nYou: ")

		var query string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			query = strings.TrimSpace(line)
		}

		switch strings.ToLower(query) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		// Index any URL in the input before answering.
		if url := urlRegex.FindString(query); url != "" {
			if err := ingestURL(ctx, engine, scraperConfig, url); err != nil {
				color.Red("Failed to index URL: %v\n", err)
				continue
			}
			if strings.TrimSpace(strings.Replace(query, url, "", 1)) == "" {
				continue
			}
		}

		spinner := getSpinner("Searching documentation...")
		resp, err := engine.Query(ctx, models.QueryRequest{Question: query})
		spinner.Finish()
		fmt.Print("\r")

		if err != nil {
			color.Red("Error: %v\n", err)
			continue
		}
		printAnswer(resp)
	}
}
