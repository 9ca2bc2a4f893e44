package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidConfig matches every configuration error returned by this package.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError reports a missing or invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Supported fetch engines.
const (
	EngineHTTP       = "http"
	EnginePlaywright = "playwright"
	EngineChromedp   = "chromedp"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL            string
	Categories         []string
	CategoryPath       string // fmt pattern joined to BaseURL for non-URL category ids
	OutputPath         string
	OutputFormat       string // csv, json, or dual
	CreateOutputDir    bool
	RateLimit          time.Duration
	RateJitter         time.Duration
	MaxPages           int // per category, 0 means unlimited
	MaxRecords         int // unique records, 0 means unlimited
	Parallelism        int
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	Engine             string
	Headless           bool
	BlockResources     bool
	UserAgent          string
	ZipCode            string // entered in the site's delivery modal by browser engines
	RespectRobotsTxt   bool
	FetchDetails       bool
	DetailCacheSize    int
	FormatDescriptions bool
	MetricsAddr        string
	Verbose            bool
}

// DefaultConfig returns conservative defaults: one worker, half a second
// between requests and ten pages per category.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "",
		Categories:         nil,
		CategoryPath:       "/category/%s",
		OutputPath:         "output/products.csv",
		OutputFormat:       "csv",
		CreateOutputDir:    false,
		RateLimit:          500 * time.Millisecond,
		RateJitter:         0,
		MaxPages:           10,
		MaxRecords:         0,
		Parallelism:        1,
		Timeout:            30 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		Engine:             EngineHTTP,
		Headless:           true,
		BlockResources:     true,
		UserAgent:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ZipCode:            "",
		RespectRobotsTxt:   false,
		FetchDetails:       false,
		DetailCacheSize:    1024,
		FormatDescriptions: false,
		MetricsAddr:        "",
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return invalid("base_url", "base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return invalid("base_url", "invalid base URL: %v", err)
	}
	if parsedURL.Host == "" {
		return invalid("base_url", "base URL must include a host")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return invalid("base_url", "base URL scheme must be http or https")
	}

	if len(c.Categories) == 0 {
		return invalid("categories", "at least one category is required")
	}
	for _, category := range c.Categories {
		if strings.TrimSpace(category) == "" {
			return invalid("categories", "categories cannot contain empty entries")
		}
	}
	if !strings.Contains(c.CategoryPath, "%s") {
		return invalid("category_path", "category path must contain %%s")
	}

	if c.OutputPath == "" {
		return invalid("output_path", "output path cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return invalid("format", "output format must be csv, json, or dual")
	}

	if c.RateLimit < 0 {
		return invalid("rate_limit_ms", "rate limit cannot be negative")
	}
	if c.RateJitter < 0 {
		return invalid("rate_jitter_ms", "rate jitter cannot be negative")
	}
	if c.MaxPages < 0 {
		return invalid("max_pages", "max pages cannot be negative")
	}
	if c.MaxRecords < 0 {
		return invalid("max_records", "max records cannot be negative")
	}
	if c.Parallelism <= 0 {
		return invalid("parallel", "parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return invalid("timeout_ms", "timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return invalid("max_retries", "max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return invalid("retry_backoff_ms", "retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return invalid("retry_backoff_max_ms", "retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return invalid("retry_backoff_ms", "retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}

	switch c.Engine {
	case EngineHTTP, EnginePlaywright, EngineChromedp:
	default:
		return invalid("engine", "engine must be http, playwright, or chromedp")
	}
	if c.UserAgent == "" {
		return invalid("user_agent", "user agent cannot be empty")
	}
	if c.FetchDetails && c.DetailCacheSize <= 0 {
		return invalid("detail_cache_size", "detail cache size must be positive")
	}
	if c.ZipCode != "" {
		if c.Engine == EngineHTTP {
			return invalid("zip_code", "zip code requires the playwright or chromedp engine")
		}
		if strings.TrimSpace(c.ZipCode) != c.ZipCode {
			return invalid("zip_code", "zip code cannot contain surrounding spaces")
		}
	}

	return nil
}

// CategoryURL reports whether category is an absolute http(s) URL rather
// than an identifier joined to the base URL.
func CategoryURL(category string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(category))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	return u, true
}

// Hosts lists the base URL host followed by the distinct hosts of absolute
// category URLs. Fetchers restrict requests to these hosts.
func (c *Config) Hosts() []string {
	var hosts []string
	seen := make(map[string]bool)
	add := func(u *url.URL) {
		for _, h := range []string{u.Host, u.Hostname()} {
			if h != "" && !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	if base, err := url.Parse(c.BaseURL); err == nil {
		add(base)
	}
	for _, category := range c.Categories {
		if u, ok := CategoryURL(category); ok {
			add(u)
		}
	}
	return hosts
}
