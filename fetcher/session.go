package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/playwright-community/playwright-go"
)

// Selector chains for the storefront's guest and delivery ZIP prompts.
var (
	guestSelectors = []string{
		`button[data-id="btn_login_continue_as_guest"]`,
		`[data-id="btn_login_continue_as_guest"]`,
		`button:has-text("Continue as Guest")`,
	}
	zipInputSelectors = []string{
		`input[data-id="initial_zipcode_modal_input"]`,
		".initial-zipcode-modal-input input",
		`.input-lg input[type="text"]`,
		`input[aria-labelledby*="foundation-text-input"]`,
	}
	startShoppingSelectors = []string{
		`button[data-id="initial_zipcode_modal_start_shopping_button"]`,
		".initial-zipcode-modal-button",
		`button:has-text("Start Shopping")`,
		`button.btn-primary[type="primary"]`,
	}
)

const sessionStepTimeout = 5 * time.Second

var errUnsupportedSelector = errors.New("selector not supported by engine")

// sessionDriver is the slice of a browser engine the session setup needs.
type sessionDriver interface {
	Open(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
}

// setupSession continues as a guest and submits the delivery ZIP code so
// later fetches see the localized catalog. It does nothing without a ZIP
// code. A missing guest button is tolerated; a missing ZIP prompt is not.
func setupSession(ctx context.Context, d sessionDriver, baseURL, zipCode string) error {
	if zipCode == "" {
		return nil
	}
	if err := d.Open(ctx, baseURL); err != nil {
		return fmt.Errorf("open %s: %w", baseURL, err)
	}

	if sel, err := firstOf(ctx, guestSelectors, func(s string) error { return d.Click(ctx, s) }); err != nil {
		slog.Warn("Guest login button not found", slog.Any("error", err))
	} else {
		slog.Debug("Continued as guest", slog.String("selector", sel))
	}

	if _, err := firstOf(ctx, zipInputSelectors, func(s string) error { return d.Type(ctx, s, zipCode) }); err != nil {
		return fmt.Errorf("zip code input: %w", err)
	}
	if _, err := firstOf(ctx, startShoppingSelectors, func(s string) error { return d.Click(ctx, s) }); err != nil {
		return fmt.Errorf("start shopping button: %w", err)
	}

	slog.Info("Session ready", slog.String("zip_code", zipCode))
	return nil
}

// firstOf runs fn on each selector until one succeeds.
func firstOf(ctx context.Context, selectors []string, fn func(string) error) (string, error) {
	var errs []error
	for _, sel := range selectors {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := fn(sel)
		if err == nil {
			return sel, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", sel, err))
	}
	return "", errors.Join(errs...)
}

// isCSSSelector rejects Playwright-only text pseudo classes.
func isCSSSelector(sel string) bool {
	return !strings.Contains(sel, ":has-text(")
}

type playwrightSession struct {
	page    playwright.Page
	timeout time.Duration
}

func (p *playwrightSession) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(p.timeout.Milliseconds())),
	})
	return err
}

func (p *playwrightSession) locate(selector string) (playwright.Locator, error) {
	loc := p.page.Locator(selector).First()
	err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(sessionStepTimeout.Milliseconds())),
	})
	return loc, err
}

func (p *playwrightSession) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := p.locate(selector)
	if err != nil {
		return err
	}
	return loc.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(sessionStepTimeout.Milliseconds())),
	})
}

func (p *playwrightSession) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := p.locate(selector)
	if err != nil {
		return err
	}
	return loc.Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(float64(sessionStepTimeout.Milliseconds())),
	})
}

type chromeSession struct {
	tab     context.Context
	timeout time.Duration
}

func (c *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(c.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (c *chromeSession) Open(ctx context.Context, url string) error {
	return c.run(ctx, c.timeout, chromedp.Navigate(url))
}

func (c *chromeSession) Click(ctx context.Context, selector string) error {
	if !isCSSSelector(selector) {
		return errUnsupportedSelector
	}
	return c.run(ctx, sessionStepTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.WaitEnabled(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (c *chromeSession) Type(ctx context.Context, selector, text string) error {
	if !isCSSSelector(selector) {
		return errUnsupportedSelector
	}
	return c.run(ctx, sessionStepTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}
