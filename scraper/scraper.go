// Package scraper drives a catalog run: it walks category pages, collects
// products and writes the output.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/fetcher"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/ratelimit"
	"github.com/google/uuid"
)

// Opener starts the page fetcher for a run.
type Opener func(ctx context.Context, cfg *config.Config) (fetcher.Fetcher, error)

// Scraper runs one catalog scrape. It is single use.
type Scraper struct {
	cfg     *config.Config
	open    Opener
	limiter *ratelimit.Limiter
	Metrics *Metrics

	mu    sync.Mutex
	state models.RunState
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithOpener replaces the engine selected by cfg.Engine.
func WithOpener(open Opener) Option {
	return func(s *Scraper) {
		if open != nil {
			s.open = open
		}
	}
}

// WithLimiter replaces the rate limiter built from cfg.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Scraper) {
		if l != nil {
			s.limiter = l
		}
	}
}

// NewScraper builds a scraper from a validated config.
func NewScraper(cfg *config.Config, opts ...Option) (*Scraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scraper{
		cfg:     cfg,
		open:    fetcher.Open,
		limiter: ratelimit.New(cfg.RateLimit, cfg.RateJitter),
		Metrics: NewMetrics(),
		state:   models.StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Scraper) State() models.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run walks every configured category and flushes the collected records.
// The returned result is populated even when err is non-nil.
func (s *Scraper) Run(ctx context.Context) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != models.StateIdle {
		s.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	s.state = models.StateRunning
	s.mu.Unlock()

	result := &models.RunResult{
		RunID:      uuid.NewString(),
		State:      models.StateRunning,
		StartTime:  time.Now(),
		OutputFile: s.cfg.OutputPath,
	}
	log := slog.Default().With(slog.String("run_id", result.RunID))

	err := s.run(ctx, log, result)
	result.EndTime = time.Now()
	if err != nil {
		result.State = models.StateFailed
		log.Error("Run failed", slog.Any("error", err))
	} else {
		result.State = models.StateCompleted
	}

	s.mu.Lock()
	s.state = result.State
	s.mu.Unlock()
	return result, err
}

func (s *Scraper) run(ctx context.Context, log *slog.Logger, result *models.RunResult) error {
	targets, err := BuildTargets(s.cfg)
	if err != nil {
		return err
	}

	base, err := s.open(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("open fetcher: %w", err)
	}
	defer func() {
		if cerr := base.Close(); cerr != nil {
			log.Warn("Fetcher close failed", slog.Any("error", cerr))
		}
	}()

	listing := fetcher.WithRateLimit(base, s.limiter, fetcher.OnWait(s.Metrics.AddRateLimitWait))
	var details fetcher.Fetcher
	var cache *fetcher.CachedFetcher
	if s.cfg.FetchDetails {
		cache, err = fetcher.WithCache(listing, s.cfg.DetailCacheSize)
		if err != nil {
			return err
		}
		details = cache
	}

	log.Info("Starting scrape",
		slog.String("base_url", s.cfg.BaseURL),
		slog.Int("categories", len(targets)),
		slog.String("engine", s.cfg.Engine),
		slog.Duration("rate_limit", s.cfg.RateLimit),
		slog.Int("max_pages", s.cfg.MaxPages),
		slog.Int("parallel", s.cfg.Parallelism),
	)

	sink := pipeline.NewSink()
	walker := NewWalker(s.cfg, listing, details, parser.NewExtractor(s.cfg.FormatDescriptions), sink, s.Metrics)
	stats := walker.Walk(ctx, targets)

	sinkStats := sink.Stats()
	result.PagesVisited = stats.Pages
	result.DetailPages = stats.DetailPages
	result.RecordsExtracted = stats.Extracted
	result.Skipped = stats.Skipped + sinkStats.Rejected
	result.Duplicates = sinkStats.Duplicates
	result.RetryCount = stats.Retries
	result.Failures = stats.Failures
	result.FailuresByKind = stats.FailuresByKind
	result.Interrupted = stats.Interrupted
	result.LimitReached = stats.LimitReached

	_, waited := s.limiter.Stats()
	log.Debug("Rate limiter", slog.Duration("waited", waited))
	if cache != nil {
		hits, misses := cache.Stats()
		log.Debug("Detail cache", slog.Int64("hits", hits), slog.Int64("misses", misses))
	}
	if stats.Interrupted {
		log.Warn("Run interrupted; flushing collected records", slog.Int("records", sink.Len()))
	}

	if stats.Pages == 0 {
		return ErrNoPages
	}
	if sink.Len() == 0 {
		log.Warn("No records collected; writing header only", slog.String("path", s.cfg.OutputPath))
	}

	writer, err := pipeline.OpenWriter(s.cfg.OutputFormat, s.cfg.OutputPath, s.cfg.CreateOutputDir)
	if err != nil {
		return err
	}
	written, err := sink.FlushTo(writer)
	if err != nil {
		return err
	}
	result.RecordsWritten = written
	return nil
}
