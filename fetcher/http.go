package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/gocolly/colly/v2"
)

// HTTPFetcher fetches server-rendered catalog pages with colly. Each Fetch
// runs on a synchronous clone of the base collector, so concurrent calls
// never share callbacks while still sharing the HTTP backend.
type HTTPFetcher struct {
	collector *colly.Collector
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithTransport swaps the HTTP transport, e.g. for httpmock in tests.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(f *HTTPFetcher) {
		f.collector.WithTransport(rt)
	}
}

// NewHTTP builds a colly-backed fetcher restricted to the base URL host and
// the hosts of absolute category URLs.
func NewHTTP(cfg *config.Config, opts ...HTTPOption) (*HTTPFetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(cfg.Hosts()...),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &HTTPFetcher{collector: collector}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch issues one GET request and returns the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (*models.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NavigationError{URL: pageURL, Kind: KindCanceled, Err: err}
	}

	c := f.collector.Clone()

	var (
		page     *models.Page
		status   int
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		page = &models.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       r.Body,
			FetchedAt:  time.Now(),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(pageURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	if errors.Is(fetchErr, colly.ErrForbiddenDomain) {
		return nil, &NavigationError{URL: pageURL, Kind: KindForbidden, Err: fetchErr}
	}
	if fetchErr != nil {
		return nil, NewNavigationError(pageURL, fetchErr, status)
	}
	if page == nil {
		return nil, NewNavigationError(pageURL, errors.New("no response"), 0)
	}
	return page, nil
}

// Close is a no-op; idle connections are released with the transport.
func (f *HTTPFetcher) Close() error {
	return nil
}
