package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read when present; a missing default file is not an error.
const DefaultEnvFile = ".env"

// Viper keys. AutomaticEnv maps each key to its upper-cased environment
// variable, so KeyBaseURL is read from SCRAPER_BASE_URL.
const (
	KeyBaseURL            = "scraper_base_url"
	KeyCategories         = "scraper_categories"
	KeyCategoryPath       = "scraper_category_path"
	KeyOutputPath         = "scraper_output_path"
	KeyOutputFormat       = "scraper_format"
	KeyCreateOutputDir    = "scraper_create_output_dir"
	KeyRateLimitMs        = "scraper_rate_limit_ms"
	KeyRateJitterMs       = "scraper_rate_jitter_ms"
	KeyMaxPages           = "scraper_max_pages"
	KeyMaxRecords         = "scraper_max_records"
	KeyParallelism        = "scraper_parallel"
	KeyTimeoutMs          = "scraper_timeout_ms"
	KeyMaxRetries         = "scraper_max_retries"
	KeyRetryBackoffMs     = "scraper_retry_backoff_ms"
	KeyRetryBackoffMaxMs  = "scraper_retry_backoff_max_ms"
	KeyEngine             = "scraper_engine"
	KeyHeadless           = "scraper_headless"
	KeyBlockResources     = "scraper_block_resources"
	KeyUserAgent          = "scraper_user_agent"
	KeyZipCode            = "scraper_zip_code"
	KeyRespectRobotsTxt   = "scraper_respect_robots"
	KeyFetchDetails       = "scraper_fetch_details"
	KeyDetailCacheSize    = "scraper_detail_cache_size"
	KeyFormatDescriptions = "scraper_format_descriptions"
	KeyMetricsAddr        = "scraper_metrics_addr"
	KeyVerbose            = "scraper_verbose"
)

// FlagKeys maps CLI flag names to viper keys.
var FlagKeys = map[string]string{
	"base-url":             KeyBaseURL,
	"category":             KeyCategories,
	"category-path":        KeyCategoryPath,
	"output":               KeyOutputPath,
	"format":               KeyOutputFormat,
	"create-output-dir":    KeyCreateOutputDir,
	"rate-limit-ms":        KeyRateLimitMs,
	"rate-jitter-ms":       KeyRateJitterMs,
	"max-pages":            KeyMaxPages,
	"max-records":          KeyMaxRecords,
	"parallel":             KeyParallelism,
	"timeout-ms":           KeyTimeoutMs,
	"max-retries":          KeyMaxRetries,
	"retry-backoff-ms":     KeyRetryBackoffMs,
	"retry-backoff-max-ms": KeyRetryBackoffMaxMs,
	"engine":               KeyEngine,
	"headless":             KeyHeadless,
	"block-resources":      KeyBlockResources,
	"user-agent":           KeyUserAgent,
	"zip-code":             KeyZipCode,
	"respect-robots":       KeyRespectRobotsTxt,
	"fetch-details":        KeyFetchDetails,
	"detail-cache-size":    KeyDetailCacheSize,
	"format-descriptions":  KeyFormatDescriptions,
	"metrics-addr":         KeyMetricsAddr,
	"verbose":              KeyVerbose,
}

// NewViper returns a viper instance with defaults and environment lookup
// applied, plus the dotenv file at envFile. A missing file is only an
// error when envFile is not DefaultEnvFile.
func NewViper(envFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.AutomaticEnv()

	if envFile == "" {
		return v, nil
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) && envFile == DefaultEnvFile {
			return v, nil
		}
		return nil, invalid("env_file", "read %s: %v", envFile, err)
	}
	return v, nil
}

// BindFlags binds every known flag present in flags to its viper key so
// explicitly set flags win over environment and file values.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	l := loader{v: v}
	cfg := &Config{
		BaseURL:            strings.TrimSpace(v.GetString(KeyBaseURL)),
		Categories:         splitList(v.Get(KeyCategories)),
		CategoryPath:       v.GetString(KeyCategoryPath),
		OutputPath:         strings.TrimSpace(v.GetString(KeyOutputPath)),
		OutputFormat:       strings.ToLower(strings.TrimSpace(v.GetString(KeyOutputFormat))),
		CreateOutputDir:    l.boolValue(KeyCreateOutputDir),
		RateLimit:          l.millis(KeyRateLimitMs),
		RateJitter:         l.millis(KeyRateJitterMs),
		MaxPages:           l.intValue(KeyMaxPages),
		MaxRecords:         l.intValue(KeyMaxRecords),
		Parallelism:        l.intValue(KeyParallelism),
		Timeout:            l.millis(KeyTimeoutMs),
		MaxRetries:         l.intValue(KeyMaxRetries),
		RetryBackoff:       l.millis(KeyRetryBackoffMs),
		RetryBackoffMax:    l.millis(KeyRetryBackoffMaxMs),
		Engine:             strings.ToLower(strings.TrimSpace(v.GetString(KeyEngine))),
		Headless:           l.boolValue(KeyHeadless),
		BlockResources:     l.boolValue(KeyBlockResources),
		UserAgent:          v.GetString(KeyUserAgent),
		ZipCode:            strings.TrimSpace(v.GetString(KeyZipCode)),
		RespectRobotsTxt:   l.boolValue(KeyRespectRobotsTxt),
		FetchDetails:       l.boolValue(KeyFetchDetails),
		DetailCacheSize:    l.intValue(KeyDetailCacheSize),
		FormatDescriptions: l.boolValue(KeyFormatDescriptions),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		Verbose:            l.boolValue(KeyVerbose),
	}
	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault(KeyBaseURL, cfg.BaseURL)
	v.SetDefault(KeyCategories, strings.Join(cfg.Categories, ","))
	v.SetDefault(KeyCategoryPath, cfg.CategoryPath)
	v.SetDefault(KeyOutputPath, cfg.OutputPath)
	v.SetDefault(KeyOutputFormat, cfg.OutputFormat)
	v.SetDefault(KeyCreateOutputDir, cfg.CreateOutputDir)
	v.SetDefault(KeyRateLimitMs, cfg.RateLimit.Milliseconds())
	v.SetDefault(KeyRateJitterMs, cfg.RateJitter.Milliseconds())
	v.SetDefault(KeyMaxPages, cfg.MaxPages)
	v.SetDefault(KeyMaxRecords, cfg.MaxRecords)
	v.SetDefault(KeyParallelism, cfg.Parallelism)
	v.SetDefault(KeyTimeoutMs, cfg.Timeout.Milliseconds())
	v.SetDefault(KeyMaxRetries, cfg.MaxRetries)
	v.SetDefault(KeyRetryBackoffMs, cfg.RetryBackoff.Milliseconds())
	v.SetDefault(KeyRetryBackoffMaxMs, cfg.RetryBackoffMax.Milliseconds())
	v.SetDefault(KeyEngine, cfg.Engine)
	v.SetDefault(KeyHeadless, cfg.Headless)
	v.SetDefault(KeyBlockResources, cfg.BlockResources)
	v.SetDefault(KeyUserAgent, cfg.UserAgent)
	v.SetDefault(KeyZipCode, cfg.ZipCode)
	v.SetDefault(KeyRespectRobotsTxt, cfg.RespectRobotsTxt)
	v.SetDefault(KeyFetchDetails, cfg.FetchDetails)
	v.SetDefault(KeyDetailCacheSize, cfg.DetailCacheSize)
	v.SetDefault(KeyFormatDescriptions, cfg.FormatDescriptions)
	v.SetDefault(KeyMetricsAddr, cfg.MetricsAddr)
	v.SetDefault(KeyVerbose, cfg.Verbose)
}

// loader keeps the first conversion error so FromViper reads linearly.
type loader struct {
	v   *viper.Viper
	err error
}

func (l *loader) intValue(key string) int {
	n, err := cast.ToIntE(l.v.Get(key))
	if err != nil && l.err == nil {
		l.err = invalid(key, "expected an integer, got %q", l.v.GetString(key))
	}
	return n
}

func (l *loader) boolValue(key string) bool {
	b, err := cast.ToBoolE(l.v.Get(key))
	if err != nil && l.err == nil {
		l.err = invalid(key, "expected a boolean, got %q", l.v.GetString(key))
	}
	return b
}

func (l *loader) millis(key string) time.Duration {
	return time.Duration(l.intValue(key)) * time.Millisecond
}

// splitList accepts a comma separated string or a string slice. Category
// names may contain spaces, so values are never split on whitespace.
func splitList(value any) []string {
	var raw []string
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(v, ",")
	case []string:
		for _, item := range v {
			raw = append(raw, strings.Split(item, ",")...)
		}
	default:
		raw = strings.Split(cast.ToString(value), ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
