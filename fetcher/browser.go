package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/playwright-community/playwright-go"
)

var blockedResources = map[string]bool{
	"image": true,
	"font":  true,
	"media": true,
}

// BrowserFetcher renders pages in headless Chromium driven by Playwright.
// One browser context is shared; every Fetch opens and closes its own page.
type BrowserFetcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	timeout time.Duration
	block   bool
}

// NewBrowser starts Playwright and launches Chromium. With a ZIP code
// configured, the shared context first goes through the storefront's guest
// and ZIP prompts; a failure there is logged and the fetcher is still usable.
func NewBrowser(ctx context.Context, cfg *config.Config) (*BrowserFetcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:       playwright.String(cfg.UserAgent),
		AcceptDownloads: playwright.Bool(false),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	slog.Debug("Browser launched",
		slog.Bool("headless", cfg.Headless),
		slog.Bool("block_resources", cfg.BlockResources),
	)

	b := &BrowserFetcher{
		pw:      pw,
		browser: browser,
		context: bctx,
		timeout: cfg.Timeout,
		block:   cfg.BlockResources,
	}
	if cfg.ZipCode != "" {
		if err := b.setupSession(ctx, cfg); err != nil {
			slog.Warn("Session setup failed; continuing without it", slog.Any("error", err))
		}
	}
	return b, nil
}

func (b *BrowserFetcher) setupSession(ctx context.Context, cfg *config.Config) error {
	page, err := b.context.NewPage()
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()
	return setupSession(ctx, &playwrightSession{page: page, timeout: b.timeout}, cfg.BaseURL, cfg.ZipCode)
}

// Fetch navigates a fresh page to pageURL and returns the rendered DOM.
func (b *BrowserFetcher) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NavigationError{URL: pageURL, Kind: KindCanceled, Err: err}
	}

	page, err := b.context.NewPage()
	if err != nil {
		return nil, NewNavigationError(pageURL, fmt.Errorf("open page: %w", err), 0)
	}
	defer page.Close()

	if b.block {
		err := page.Route("**/*", func(route playwright.Route) {
			if blockedResources[route.Request().ResourceType()] {
				route.Abort()
				return
			}
			route.Continue()
		})
		if err != nil {
			return nil, NewNavigationError(pageURL, fmt.Errorf("install route: %w", err), 0)
		}
	}

	resp, err := page.Goto(pageURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(b.timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, &NavigationError{URL: pageURL, Kind: KindTimeout, Err: err}
		}
		return nil, NewNavigationError(pageURL, err, 0)
	}

	status := 0
	if resp != nil {
		status = resp.Status()
	}
	if status >= 400 {
		return nil, NewNavigationError(pageURL, nil, status)
	}

	html, err := page.Content()
	if err != nil {
		return nil, NewNavigationError(pageURL, fmt.Errorf("read content: %w", err), status)
	}

	return &models.Page{
		URL:        page.URL(),
		StatusCode: status,
		HTML:       []byte(html),
		FetchedAt:  time.Now(),
	}, nil
}

// Close shuts down the context, the browser and the Playwright driver.
func (b *BrowserFetcher) Close() error {
	var errs []error
	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}
	return errors.Join(errs...)
}
