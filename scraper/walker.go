package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/fetcher"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// WalkStats summarizes a finished walk.
type WalkStats struct {
	Pages          int
	DetailPages    int
	Extracted      int
	Skipped        int
	Retries        int
	Failures       []models.PageFailure
	FailuresByKind map[string]int
	Interrupted    bool
	LimitReached   bool
}

// Walker follows each category's pagination chain, feeding extracted
// products into the sink. Every fetch goes through the fetchers it is given,
// so rate limiting and caching are the caller's choice.
type Walker struct {
	cfg       *config.Config
	listing   fetcher.Fetcher
	details   fetcher.Fetcher
	extractor *parser.Extractor
	sink      *pipeline.Sink
	metrics   *Metrics
	backoff   func() backoff.BackOff

	visitedMu sync.Mutex
	visited   map[string]struct{}

	addMu sync.Mutex

	mu             sync.Mutex
	failures       []models.PageFailure
	failuresByKind map[string]int

	pages       atomic.Int64
	detailPages atomic.Int64
	extracted   atomic.Int64
	skipped     atomic.Int64
	retries     atomic.Int64
	interrupted atomic.Bool

	stop context.CancelCauseFunc
}

// NewWalker wires a walker. details may be nil to skip detail enrichment.
func NewWalker(cfg *config.Config, listing, details fetcher.Fetcher, extractor *parser.Extractor, sink *pipeline.Sink, metrics *Metrics) *Walker {
	return &Walker{
		cfg:            cfg,
		listing:        listing,
		details:        details,
		extractor:      extractor,
		sink:           sink,
		metrics:        metrics,
		backoff:        func() backoff.BackOff { return newBackOff(cfg) },
		visited:        make(map[string]struct{}),
		failuresByKind: make(map[string]int),
	}
}

func newBackOff(cfg *config.Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBackoff
	b.MaxInterval = cfg.RetryBackoffMax
	b.MaxElapsedTime = 0
	return b
}

// Walk processes targets until every chain ends, the record cap is hit, or
// ctx is cancelled. Up to cfg.Parallelism categories are walked at once.
func (w *Walker) Walk(ctx context.Context, targets []models.CategoryTarget) WalkStats {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.stop = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.cfg.Parallelism, 1))
	for _, target := range targets {
		target := target // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			w.walkCategory(gctx, target)
			return nil
		})
	}
	g.Wait()

	return w.stats(ctx)
}

func (w *Walker) walkCategory(ctx context.Context, start models.CategoryTarget) {
	target := &start
	for target != nil {
		if ctx.Err() != nil {
			w.markStopped(ctx)
			return
		}
		if w.cfg.MaxPages > 0 && target.PageIndex > w.cfg.MaxPages {
			slog.Info("Page cap reached",
				slog.String("category", target.CategoryID),
				slog.Int("max_pages", w.cfg.MaxPages),
			)
			return
		}
		if !w.claim(target.PageURL) {
			slog.Debug("Skipping visited page",
				slog.String("category", target.CategoryID),
				slog.String("url", target.PageURL),
			)
			return
		}
		target = w.visit(ctx, *target)
	}
}

// claim marks url as visited and reports whether this caller owns it.
func (w *Walker) claim(url string) bool {
	key := normalizeURL(url)
	w.visitedMu.Lock()
	defer w.visitedMu.Unlock()
	if _, ok := w.visited[key]; ok {
		return false
	}
	w.visited[key] = struct{}{}
	return true
}

// visit fetches and extracts one listing page and returns the next target
// in the chain, if any.
func (w *Walker) visit(ctx context.Context, target models.CategoryTarget) *models.CategoryTarget {
	page, err := w.fetch(ctx, w.listing, target.PageURL)
	if err != nil {
		if ctx.Err() != nil {
			w.markStopped(ctx)
			return nil
		}
		w.recordFailure(target, err)
		w.metrics.IncPage("listing", "failed")
		return nil
	}
	// A redirect lands on another URL; claim it too so later links to it stop.
	if page.URL != "" && normalizeURL(page.URL) != normalizeURL(target.PageURL) {
		w.claim(page.URL)
	}

	extraction, err := w.extractor.Extract(page, target.CategoryID)
	if err != nil {
		w.recordFailure(target, &ParseError{URL: target.PageURL, Err: err})
		w.metrics.IncPage("listing", "failed")
		return nil
	}
	w.pages.Add(1)
	w.metrics.IncPage("listing", "ok")

	w.extracted.Add(int64(len(extraction.Products)))
	w.metrics.AddExtracted(len(extraction.Products))
	w.skipped.Add(int64(extraction.Skipped))
	for _, warning := range extraction.Warnings {
		if warning.Field == "sku" || warning.Field == "name" {
			w.metrics.IncSkipped(warning.Field)
		}
	}

	slog.Info("Page processed",
		slog.String("category", target.CategoryID),
		slog.Int("page", target.PageIndex),
		slog.String("url", target.PageURL),
		slog.Int("products", len(extraction.Products)),
		slog.Int("skipped", extraction.Skipped),
	)

	for _, product := range extraction.Products {
		if w.details != nil && product.URL != "" {
			product = w.enrich(ctx, product)
		}
		if !w.add(product) {
			return nil
		}
	}

	if extraction.NextURL == "" {
		return nil
	}
	return &models.CategoryTarget{
		CategoryID: target.CategoryID,
		PageURL:    extraction.NextURL,
		PageIndex:  target.PageIndex + 1,
	}
}

// enrich merges the product's detail page into it. Failures keep the
// listing record as extracted.
func (w *Walker) enrich(ctx context.Context, product *models.Product) *models.Product {
	if ctx.Err() != nil {
		return product
	}
	page, err := w.fetch(ctx, w.details, product.URL)
	if err != nil {
		w.metrics.IncPage("detail", "failed")
		slog.Warn("Detail fetch failed",
			slog.String("sku", product.SKU),
			slog.String("url", product.URL),
			slog.String("kind", errorTypeLabel(err)),
			slog.Any("error", err),
		)
		return product
	}
	w.detailPages.Add(1)
	w.metrics.IncPage("detail", "ok")

	enriched, err := w.extractor.ExtractDetail(page, product)
	if err != nil {
		slog.Warn("Detail parse failed", slog.String("url", product.URL), slog.Any("error", err))
		return product
	}
	return enriched
}

// add stores product in the sink and reports whether walking may go on.
func (w *Walker) add(product *models.Product) bool {
	w.addMu.Lock()
	defer w.addMu.Unlock()

	limit := w.cfg.MaxRecords
	if limit > 0 && w.sink.Len() >= limit {
		w.stop(errRecordLimit)
		return false
	}

	added, err := w.sink.Add(product)
	if err != nil {
		slog.Warn("Record rejected", slog.String("sku", product.SKU), slog.Any("error", err))
		return true
	}
	if !added {
		w.metrics.IncDuplicates()
		return true
	}
	if limit > 0 && w.sink.Len() >= limit {
		slog.Info("Record cap reached", slog.Int("max_records", limit))
		w.stop(errRecordLimit)
		return false
	}
	return true
}

// fetch retries retryable failures with exponential backoff.
func (w *Walker) fetch(ctx context.Context, f fetcher.Fetcher, url string) (*models.Page, error) {
	var page *models.Page
	op := func() error {
		start := time.Now()
		p, err := f.Fetch(ctx, url)
		w.metrics.ObserveDuration(time.Since(start))
		if err != nil {
			if !fetcher.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}
	notify := func(err error, delay time.Duration) {
		w.retries.Add(1)
		w.metrics.IncRetries()
		slog.Warn("Retrying fetch",
			slog.String("url", url),
			slog.String("kind", errorTypeLabel(err)),
			slog.Duration("delay", delay),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(w.backoff(), uint64(max(w.cfg.MaxRetries, 0))), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		var navErr *fetcher.NavigationError
		if !errors.As(err, &navErr) {
			err = fetcher.NewNavigationError(url, err, 0)
		}
		return nil, err
	}
	return page, nil
}

func (w *Walker) recordFailure(target models.CategoryTarget, err error) {
	kind := errorTypeLabel(err)
	w.mu.Lock()
	w.failures = append(w.failures, models.PageFailure{
		URL:        target.PageURL,
		CategoryID: target.CategoryID,
		PageIndex:  target.PageIndex,
		Kind:       kind,
		Message:    err.Error(),
	})
	w.failuresByKind[kind]++
	w.mu.Unlock()

	w.metrics.IncError(kind)
	slog.Error("Page failed",
		slog.String("category", target.CategoryID),
		slog.Int("page", target.PageIndex),
		slog.String("url", target.PageURL),
		slog.String("kind", kind),
		slog.Any("error", err),
	)
}

// markStopped flags the walk as interrupted unless it was stopped by the
// record cap.
func (w *Walker) markStopped(ctx context.Context) {
	if errors.Is(context.Cause(ctx), errRecordLimit) {
		return
	}
	w.interrupted.Store(true)
}

func (w *Walker) stats(ctx context.Context) WalkStats {
	w.mu.Lock()
	failures := make([]models.PageFailure, len(w.failures))
	copy(failures, w.failures)
	byKind := make(map[string]int, len(w.failuresByKind))
	for k, v := range w.failuresByKind {
		byKind[k] = v
	}
	w.mu.Unlock()

	return WalkStats{
		Pages:          int(w.pages.Load()),
		DetailPages:    int(w.detailPages.Load()),
		Extracted:      int(w.extracted.Load()),
		Skipped:        int(w.skipped.Load()),
		Retries:        int(w.retries.Load()),
		Failures:       failures,
		FailuresByKind: byKind,
		Interrupted:    w.interrupted.Load(),
		LimitReached:   errors.Is(context.Cause(ctx), errRecordLimit),
	}
}
