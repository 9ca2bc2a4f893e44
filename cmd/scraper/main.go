package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const exitConfigError = 2

var logOutput io.Writer = os.Stderr

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	exitCode := 0
	cmd := newRootCommand(&exitCode)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = exitConfigError
		}
	}
	return exitCode
}

func newRootCommand(exitCode *int) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "scraper",
		Short:         "Scrape product catalog categories into CSV or JSON lines",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(envFile)
			if err != nil {
				return configError(err)
			}
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return configError(err)
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return configError(err)
			}

			logger, level := newLogger(logOutput, cfg.Verbose)
			slog.SetDefault(logger)
			slog.SetLogLoggerLevel(level.Level())

			*exitCode = scrape(cmd.Context(), cfg)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file with SCRAPER_* settings")
	addConfigFlags(flags, config.DefaultConfig())
	return cmd
}

func addConfigFlags(flags *pflag.FlagSet, d *config.Config) {
	flags.String("base-url", d.BaseURL, "Catalog base URL")
	flags.StringSlice("category", d.Categories, "Category id or URL (repeatable)")
	flags.String("category-path", d.CategoryPath, "Path pattern joined to the base URL for category ids")
	flags.String("output", d.OutputPath, "Output file path")
	flags.String("format", d.OutputFormat, "Output format: csv, json, or dual")
	flags.Bool("create-output-dir", d.CreateOutputDir, "Create the output directory when missing")
	flags.Int("rate-limit-ms", int(d.RateLimit.Milliseconds()), "Minimum interval between requests (milliseconds)")
	flags.Int("rate-jitter-ms", int(d.RateJitter.Milliseconds()), "Random jitter added to the interval (milliseconds)")
	flags.Int("max-pages", d.MaxPages, "Maximum pages per category, 0 for unlimited")
	flags.Int("max-records", d.MaxRecords, "Stop after this many unique records, 0 for unlimited")
	flags.Int("parallel", d.Parallelism, "Number of categories walked concurrently")
	flags.Int("timeout-ms", int(d.Timeout.Milliseconds()), "Per-page navigation timeout (milliseconds)")
	flags.Int("max-retries", d.MaxRetries, "Maximum retry attempts per URL")
	flags.Int("retry-backoff-ms", int(d.RetryBackoff.Milliseconds()), "Initial retry backoff (milliseconds)")
	flags.Int("retry-backoff-max-ms", int(d.RetryBackoffMax.Milliseconds()), "Maximum retry backoff (milliseconds)")
	flags.String("engine", d.Engine, "Fetch engine: http, playwright, or chromedp")
	flags.Bool("headless", d.Headless, "Run browser engines headless")
	flags.Bool("block-resources", d.BlockResources, "Block images, fonts and media in browser engines")
	flags.String("user-agent", d.UserAgent, "User-Agent header")
	flags.String("zip-code", d.ZipCode, "Delivery ZIP code entered before scraping (browser engines)")
	flags.Bool("respect-robots", d.RespectRobotsTxt, "Respect robots.txt directives")
	flags.Bool("fetch-details", d.FetchDetails, "Visit product detail pages to fill missing fields")
	flags.Int("detail-cache-size", d.DetailCacheSize, "Detail pages kept in the LRU cache")
	flags.Bool("format-descriptions", d.FormatDescriptions, "Group descriptions into labelled sections")
	flags.String("metrics-addr", d.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolP("verbose", "v", d.Verbose, "Enable verbose logging")
}

func configError(err error) error {
	fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
	return err
}

func scrape(parent context.Context, cfg *config.Config) int {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		if errors.Is(err, config.ErrInvalidConfig) {
			return exitConfigError
		}
		return 1
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, s.Metrics)
	defer shutdownMetricsServer(metricsServer)

	result, err := s.Run(ctx)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
	}
	if result != nil && result.Interrupted && parent.Err() == nil {
		slog.Info("shutdown signal received, collected records were flushed")
	}
	printSummary(result)
	return result.ExitCode()
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func shutdownMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(result *models.RunResult) {
	if result == nil {
		return
	}
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Scrape %s\n", result.State)

	duration := result.Duration()
	perSec := 0.0
	if duration.Seconds() > 0 {
		perSec = float64(result.RecordsWritten) / duration.Seconds()
	}

	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Records:       %d\n", result.RecordsWritten)
	fmt.Printf("  Extracted:     %d\n", result.RecordsExtracted)
	fmt.Printf("  Duplicates:    %d\n", result.Duplicates)
	fmt.Printf("  Skipped:       %d\n", result.Skipped)
	fmt.Printf("  Pages:         %d\n", result.PagesVisited)
	if result.DetailPages > 0 {
		fmt.Printf("  Detail pages:  %d\n", result.DetailPages)
	}
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed pages:  %d\n", len(result.Failures))
	if len(result.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(result.FailuresByKind))
		for kind := range result.FailuresByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("    %-12s %d\n", kind+":", result.FailuresByKind[kind])
		}
	}
	if result.Interrupted {
		fmt.Println("  Interrupted:   yes (partial output)")
	}
	if result.LimitReached {
		fmt.Println("  Record cap:    reached")
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Records/sec:   %.2f\n", perSec)
	if result.State == models.StateCompleted {
		fmt.Printf("  Output file:   %s\n", result.OutputFile)
	}
	fmt.Println(separator)
}

func newLogger(w io.Writer, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
