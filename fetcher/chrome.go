package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/chromedp/chromedp"
)

// ChromeFetcher renders pages through the Chrome DevTools protocol. The
// browser process lives for the fetcher's lifetime; each Fetch runs in a
// new tab.
type ChromeFetcher struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	timeout       time.Duration
}

// NewChrome launches a Chrome process. ctx bounds launch and session setup;
// the process lives until Close.
func NewChrome(ctx context.Context, cfg *config.Config) (*ChromeFetcher, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.BlockResources {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(debugf))

	if err := ctx.Err(); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}

	// The first Run allocates the browser and binds it to browserCtx, so it
	// must not carry a deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	c := &ChromeFetcher{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		timeout:       cfg.Timeout,
	}
	if cfg.ZipCode != "" {
		if err := c.setupSession(ctx, cfg); err != nil {
			slog.Warn("Session setup failed; continuing without it", slog.Any("error", err))
		}
	}
	return c, nil
}

// setupSession runs the guest and ZIP prompts in a throwaway tab; cookies
// stay with the browser for later tabs.
func (c *ChromeFetcher) setupSession(ctx context.Context, cfg *config.Config) error {
	tabCtx, closeTab := chromedp.NewContext(c.browserCtx)
	defer closeTab()
	// Allocate the tab without a deadline so per-step timeouts do not close it.
	if err := chromedp.Run(tabCtx); err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	return setupSession(ctx, &chromeSession{tab: tabCtx, timeout: c.timeout}, cfg.BaseURL, cfg.ZipCode)
}

// Fetch opens a tab, navigates to pageURL and returns the outer HTML.
func (c *ChromeFetcher) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NavigationError{URL: pageURL, Kind: KindCanceled, Err: err}
	}

	tabCtx, closeTab := chromedp.NewContext(c.browserCtx)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(pageURL))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if tabCtx.Err() != nil {
			err = context.DeadlineExceeded
		}
		return nil, NewNavigationError(pageURL, err, 0)
	}

	status := 0
	if resp != nil {
		status = int(resp.Status)
	}
	if status >= 400 {
		return nil, NewNavigationError(pageURL, nil, status)
	}

	var html, location string
	if err := chromedp.Run(tabCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, NewNavigationError(pageURL, fmt.Errorf("read content: %w", err), status)
	}
	if location == "" {
		location = pageURL
	}

	return &models.Page{
		URL:        location,
		StatusCode: status,
		HTML:       []byte(html),
		FetchedAt:  time.Now(),
	}, nil
}

func debugf(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...), slog.String("engine", config.EngineChromedp))
}

// Close terminates the browser process.
func (c *ChromeFetcher) Close() error {
	c.browserCancel()
	c.allocCancel()
	return nil
}
