package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/fetcher"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/ratelimit"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testBase = "http://shop.example.test"

type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]string
	redirects map[string]string
	errs      map[string][]error
	calls     map[string]int
	onFetch   func(url string)
	closed    int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:     make(map[string]string),
		redirects: make(map[string]string),
		errs:      make(map[string][]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*models.Page, error) {
	f.mu.Lock()
	f.calls[url]++
	var err error
	if queue := f.errs[url]; len(queue) > 0 {
		err = queue[0]
		f.errs[url] = queue[1:]
	}
	final := url
	if to, ok := f.redirects[url]; ok {
		final = to
	}
	body, ok := f.pages[final]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fetcher.NewNavigationError(url, nil, http.StatusNotFound)
	}
	return &models.Page{URL: final, StatusCode: http.StatusOK, HTML: []byte(body), FetchedAt: time.Now()}, nil
}

func (f *fakeFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) AllCalls() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

func (f *fakeFetcher) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type item struct {
	sku, name, href string
}

func catalogPage(next string, items ...item) string {
	var b strings.Builder
	b.WriteString(`<html><body><section class="catalog">`)
	for _, it := range items {
		b.WriteString(`<div class="product-card">`)
		if it.href != "" {
			fmt.Fprintf(&b, `<a class="product-card-link" href="%s"></a>`, it.href)
		}
		if it.sku != "" {
			fmt.Fprintf(&b, `<div class="selectable-supc-label"><span>%s</span></div>`, it.sku)
		}
		if it.name != "" {
			fmt.Fprintf(&b, `<div class="product-name">%s</div>`, it.name)
		}
		b.WriteString(`<div class="brand">House</div></div>`)
	}
	b.WriteString(`</section>`)
	if next != "" {
		fmt.Fprintf(&b, `<ul class="pagination"><li class="next"><a href="%s">Next</a></li></ul>`, next)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func categoryURL(id string) string {
	return testBase + "/category/" + id
}

func testConfig(t *testing.T, categories ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Categories = categories
	cfg.OutputPath = filepath.Join(t.TempDir(), "products.csv")
	cfg.RateLimit = 0
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config, f fetcher.Fetcher, opts ...Option) *Scraper {
	t.Helper()
	opener := func(context.Context, *config.Config) (fetcher.Fetcher, error) { return f, nil }
	s, err := NewScraper(cfg, append([]Option{WithOpener(opener)}, opts...)...)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	return s
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "context timeout", err: context.DeadlineExceeded, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, expected: "connection"},
		{name: "forbidden", statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fetcher.NewNavigationError("http://example.test/", tt.err, tt.statusCode)
			if got := errorTypeLabel(err); got != tt.expected {
				t.Fatalf("errorTypeLabel(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}

	if got := errorTypeLabel(nil); got != "unknown" {
		t.Fatalf("errorTypeLabel(nil) = %q", got)
	}
	if got := errorTypeLabel(&ParseError{URL: "u", Err: errors.New("bad")}); got != "parse" {
		t.Fatalf("errorTypeLabel(parse) = %q", got)
	}
	if got := errorTypeLabel(&pipeline.IOError{Path: "p", Op: "create", Err: os.ErrPermission}); got != "io" {
		t.Fatalf("errorTypeLabel(io) = %q", got)
	}
}

func TestRunDedupesAndSkipsAcrossPages(t *testing.T) {
	cfg := testConfig(t, "pasta")
	f := newFakeFetcher()
	page2 := categoryURL("pasta") + "?page=2"
	f.pages[categoryURL("pasta")] = catalogPage("?page=2",
		item{sku: "A", name: "Penne"},
		item{sku: "B", name: "Rigatoni"},
		item{sku: "X"},
	)
	f.pages[page2] = catalogPage("",
		item{sku: "B", name: "Rigatoni again"},
		item{sku: "C", name: "Fusilli"},
		item{sku: "D", name: "Orzo"},
	)

	s := newTestScraper(t, cfg, f)
	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != models.StateCompleted || result.ExitCode() != 0 {
		t.Fatalf("state=%s exit=%d", result.State, result.ExitCode())
	}
	if result.PagesVisited != 2 || result.RecordsWritten != 4 || result.Skipped != 1 || result.Duplicates != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.RunID == "" {
		t.Fatalf("run id should be set")
	}

	products, err := pipeline.ReadCSV(cfg.OutputPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	var got []string
	for _, p := range products {
		got = append(got, p.SKU+"="+p.Name)
	}
	want := "A=Penne,B=Rigatoni,C=Fusilli,D=Orzo"
	if strings.Join(got, ",") != want {
		t.Fatalf("records %v, want %s", got, want)
	}
	if f.Closed() != 1 {
		t.Fatalf("fetcher closed %d times, want 1", f.Closed())
	}
}

func TestRunAllPagesFail(t *testing.T) {
	cfg := testConfig(t, "pasta", "sauces")
	cfg.MaxRetries = 0
	f := newFakeFetcher()

	s := newTestScraper(t, cfg, f)
	result, err := s.Run(context.Background())
	if !errors.Is(err, ErrNoPages) {
		t.Fatalf("expected ErrNoPages, got %v", err)
	}
	if result.State != models.StateFailed || result.ExitCode() != 1 {
		t.Fatalf("state=%s exit=%d", result.State, result.ExitCode())
	}
	if len(result.Failures) != 2 || result.FailuresByKind["not_found"] != 2 {
		t.Fatalf("failures=%+v", result.Failures)
	}
	if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
		t.Fatalf("output file should not exist")
	}
	if f.Closed() != 1 {
		t.Fatalf("fetcher should be closed on failure")
	}
}

func TestRunContinuesAfterPageFailure(t *testing.T) {
	cfg := testConfig(t, "broken", "pasta")
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("", item{sku: "A", name: "Penne"})
	f.errs[categoryURL("broken")] = []error{fetcher.NewNavigationError(categoryURL("broken"), nil, http.StatusForbidden)}

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != models.StateCompleted {
		t.Fatalf("state=%s", result.State)
	}
	if len(result.Failures) != 1 || result.Failures[0].Kind != "forbidden" || result.Failures[0].CategoryID != "broken" {
		t.Fatalf("failures=%+v", result.Failures)
	}
	if result.RecordsWritten != 1 {
		t.Fatalf("records=%d, want 1", result.RecordsWritten)
	}
}

func TestRunPaginationCyclesTerminate(t *testing.T) {
	cfg := testConfig(t, "loop", "self")
	cfg.MaxPages = 0
	f := newFakeFetcher()
	loop2 := categoryURL("loop") + "/page/2"
	f.pages[categoryURL("loop")] = catalogPage("/category/loop/page/2", item{sku: "A", name: "a"})
	f.pages[loop2] = catalogPage("/category/loop#top", item{sku: "B", name: "b"})
	f.pages[categoryURL("self")] = catalogPage("/category/self", item{sku: "C", name: "c"})

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for url, n := range f.AllCalls() {
		if n != 1 {
			t.Fatalf("%s fetched %d times", url, n)
		}
	}
	if result.PagesVisited != 3 || result.RecordsWritten != 3 {
		t.Fatalf("pages=%d records=%d", result.PagesVisited, result.RecordsWritten)
	}
}

func TestRunRespectsMaxPages(t *testing.T) {
	cfg := testConfig(t, "long")
	cfg.MaxPages = 2
	f := newFakeFetcher()
	for i := 1; i <= 5; i++ {
		url := categoryURL("long")
		if i > 1 {
			url = fmt.Sprintf("%s?page=%d", url, i)
		}
		f.pages[url] = catalogPage(fmt.Sprintf("?page=%d", i+1), item{sku: fmt.Sprint(i), name: "p"})
	}

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PagesVisited != 2 {
		t.Fatalf("pages=%d, want 2", result.PagesVisited)
	}
	if f.Calls(categoryURL("long")+"?page=3") != 0 {
		t.Fatalf("page 3 should not be fetched")
	}
}

func TestRunRetriesRetryableFailuresOnly(t *testing.T) {
	cfg := testConfig(t, "flaky", "gone")
	cfg.MaxRetries = 3
	f := newFakeFetcher()
	flaky := categoryURL("flaky")
	f.pages[flaky] = catalogPage("", item{sku: "A", name: "a"})
	f.errs[flaky] = []error{
		fetcher.NewNavigationError(flaky, nil, http.StatusServiceUnavailable),
		fetcher.NewNavigationError(flaky, nil, http.StatusTooManyRequests),
	}

	limiter := ratelimit.New(0, 0)
	result, err := newTestScraper(t, cfg, f, WithLimiter(limiter)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := f.Calls(flaky); got != 3 {
		t.Fatalf("flaky calls=%d, want 3", got)
	}
	if got := f.Calls(categoryURL("gone")); got != 1 {
		t.Fatalf("not-found calls=%d, want 1", got)
	}
	if result.RetryCount != 2 {
		t.Fatalf("retries=%d, want 2", result.RetryCount)
	}
	if granted, _ := limiter.Stats(); granted != 4 {
		t.Fatalf("limiter granted=%d, want every attempt (4)", granted)
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig(t, "down")
	cfg.MaxRetries = 2
	f := newFakeFetcher()
	down := categoryURL("down")
	for i := 0; i < 5; i++ {
		f.errs[down] = append(f.errs[down], fetcher.NewNavigationError(down, nil, http.StatusBadGateway))
	}

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if !errors.Is(err, ErrNoPages) {
		t.Fatalf("expected ErrNoPages, got %v", err)
	}
	if got := f.Calls(down); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
	if result.FailuresByKind["server_error"] != 1 {
		t.Fatalf("failures=%v", result.FailuresByKind)
	}
}

func TestRunCancellationFlushesPartialResults(t *testing.T) {
	cfg := testConfig(t, "pasta")
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("?page=2", item{sku: "A", name: "a"}, item{sku: "B", name: "b"})
	f.pages[categoryURL("pasta")+"?page=2"] = catalogPage("", item{sku: "C", name: "c"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onFetch = func(url string) {
		if url == categoryURL("pasta") {
			cancel()
		}
	}

	result, err := newTestScraper(t, cfg, f).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Interrupted {
		t.Fatalf("run should be marked interrupted")
	}
	if f.Calls(categoryURL("pasta")+"?page=2") != 0 {
		t.Fatalf("no page should be fetched after cancellation")
	}
	products, err := pipeline.ReadCSV(cfg.OutputPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("records=%d, want 2", len(products))
	}
}

func TestRunStopsAtRecordCap(t *testing.T) {
	cfg := testConfig(t, "pasta")
	cfg.MaxRecords = 3
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("?page=2",
		item{sku: "A", name: "a"}, item{sku: "B", name: "b"})
	f.pages[categoryURL("pasta")+"?page=2"] = catalogPage("?page=3",
		item{sku: "C", name: "c"}, item{sku: "D", name: "d"})
	f.pages[categoryURL("pasta")+"?page=3"] = catalogPage("", item{sku: "E", name: "e"})

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RecordsWritten != 3 || !result.LimitReached || result.Interrupted {
		t.Fatalf("written=%d limit=%v interrupted=%v", result.RecordsWritten, result.LimitReached, result.Interrupted)
	}
	if f.Calls(categoryURL("pasta")+"?page=3") != 0 {
		t.Fatalf("walk should stop once the cap is reached")
	}
}

func TestRunZeroRecordsWritesHeader(t *testing.T) {
	cfg := testConfig(t, "empty")
	f := newFakeFetcher()
	f.pages[categoryURL("empty")] = catalogPage("")

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != models.StateCompleted || result.RecordsWritten != 0 {
		t.Fatalf("state=%s records=%d", result.State, result.RecordsWritten)
	}
	data, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "sku,brand,name,packaging,imageUrl,description\n" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestRunOutputDirectoryMissing(t *testing.T) {
	cfg := testConfig(t, "pasta")
	cfg.OutputPath = filepath.Join(t.TempDir(), "missing", "products.csv")
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("", item{sku: "A", name: "a"})

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	var ioErr *pipeline.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if result.State != models.StateFailed {
		t.Fatalf("state=%s, want failed", result.State)
	}
	if f.Closed() != 1 {
		t.Fatalf("fetcher should be closed")
	}
}

func TestRunTwiceFails(t *testing.T) {
	cfg := testConfig(t, "pasta")
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("", item{sku: "A", name: "a"})

	s := newTestScraper(t, cfg, f)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second run: expected ErrAlreadyRun, got %v", err)
	}
	if s.State() != models.StateCompleted {
		t.Fatalf("state=%s", s.State())
	}
}

func TestRunOpenerFailure(t *testing.T) {
	cfg := testConfig(t, "pasta")
	boom := errors.New("no browser")
	s, err := NewScraper(cfg, WithOpener(func(context.Context, *config.Config) (fetcher.Fetcher, error) {
		return nil, boom
	}))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	result, err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected opener error, got %v", err)
	}
	if result.ExitCode() != 1 {
		t.Fatalf("exit=%d, want 1", result.ExitCode())
	}
}

func TestNewScraperRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewScraper(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunDetailPagesAreCached(t *testing.T) {
	cfg := testConfig(t, "pasta", "specials")
	cfg.FetchDetails = true
	cfg.Parallelism = 1
	f := newFakeFetcher()
	detail := testBase + "/product/penne"
	f.pages[categoryURL("pasta")] = catalogPage("", item{sku: "A", name: "Penne", href: "/product/penne"})
	f.pages[categoryURL("specials")] = catalogPage("", item{sku: "A", name: "Penne", href: "/product/penne"})
	f.pages[detail] = `<html><body><div data-id="pack_size">2/10 LB</div></body></html>`

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.Calls(detail); got != 1 {
		t.Fatalf("detail fetched %d times, want 1", got)
	}
	if result.DetailPages != 2 {
		t.Fatalf("detail pages=%d, want 2", result.DetailPages)
	}
	products, err := pipeline.ReadCSV(cfg.OutputPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(products) != 1 || products[0].Packaging != "2/10 LB" {
		t.Fatalf("products=%+v", products)
	}
}

func TestRunParallelNeverFetchesTwice(t *testing.T) {
	categories := []string{"a", "b", "c", "d", "e", "f"}
	cfg := testConfig(t, categories...)
	cfg.Parallelism = 4
	cfg.MaxPages = 0
	f := newFakeFetcher()
	shared := testBase + "/category/shared"
	for _, c := range categories {
		f.pages[categoryURL(c)] = catalogPage("/category/shared", item{sku: c, name: c})
	}
	f.pages[shared] = catalogPage("/category/a", item{sku: "S", name: "shared"})

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for url, n := range f.AllCalls() {
		if n != 1 {
			t.Fatalf("%s fetched %d times", url, n)
		}
	}
	if result.RecordsWritten != len(categories)+1 {
		t.Fatalf("records=%d, want %d", result.RecordsWritten, len(categories)+1)
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig(t, "pasta")
			cfg.MaxRetries = 0

			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", categoryURL("pasta"), httpmock.NewStringResponder(tt.status, ""))

			s, err := NewScraper(cfg, WithOpener(httpOpener(transport)))
			if err != nil {
				t.Fatalf("new scraper: %v", err)
			}

			result, err := s.Run(context.Background())
			if !errors.Is(err, ErrNoPages) {
				t.Fatalf("expected ErrNoPages, got %v", err)
			}
			if got := result.FailuresByKind[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d, got %v", tt.expected, tt.status, result.FailuresByKind)
			}
		})
	}
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig(t, "pasta")
	cfg.MaxPages = 3
	cfg.Parallelism = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", categoryURL("pasta"), htmlResponder(buildCatalogPage(1, true)))
	transport.RegisterResponder("GET", categoryURL("pasta")+"/page-2.html", htmlResponder(buildCatalogPage(2, true)))
	transport.RegisterResponder("GET", categoryURL("pasta")+"/page-3.html", htmlResponder(buildCatalogPage(3, true)))

	s, err := NewScraper(cfg, WithOpener(httpOpener(transport)))
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v (failures=%v)", err, result.Failures)
	}
	if result.RecordsWritten != 60 {
		t.Fatalf("records=%d, want 60 (pages=%d failures=%v)", result.RecordsWritten, result.PagesVisited, result.Failures)
	}

	products, err := pipeline.ReadCSV(cfg.OutputPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	var sample *models.Product
	for _, p := range products {
		if p.SKU == "100001" {
			sample = p
			break
		}
	}
	if sample == nil {
		t.Fatalf("expected product with sku 100001")
	}
	if sample.Name != "Product 1" {
		t.Fatalf("name=%q, want %q", sample.Name, "Product 1")
	}
	if sample.ImageURL != testBase+"/media/cache/product-1.jpg" {
		t.Fatalf("image=%q", sample.ImageURL)
	}
	if sample.Packaging == "" {
		t.Fatalf("packaging should not be empty")
	}
}

func httpOpener(transport http.RoundTripper) Opener {
	return func(_ context.Context, cfg *config.Config) (fetcher.Fetcher, error) {
		return fetcher.NewHTTP(cfg, fetcher.WithTransport(transport))
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func buildCatalogPage(page int, hasNext bool) string {
	var builder strings.Builder
	builder.WriteString(`<html><body><section class="products">`)

	for i := 1; i <= 20; i++ {
		id := (page-1)*20 + i
		builder.WriteString(`<div class="product-card">`)
		fmt.Fprintf(&builder, `<div class="product-card-image-v2"><img src="/media/cache/product-%d.jpg"></div>`, id)
		builder.WriteString(`<div class="brand">House Brand</div>`)
		fmt.Fprintf(&builder, `<div class="product-name">Product %d</div>`, id)
		builder.WriteString(`<div data-id="pack_size">12/1 LB</div>`)
		fmt.Fprintf(&builder, `<div class="selectable-supc-label"><span>%d</span></div>`, 100000+id)
		builder.WriteString(`</div>`)
	}

	if hasNext {
		fmt.Fprintf(&builder, `<ul class="pagination"><li class="next"><a href="/category/pasta/page-%d.html">next</a></li></ul>`, page+1)
	}

	builder.WriteString(`</section></body></html>`)
	return builder.String()
}

// Page 1 carries three products, one of which (C) also appears on page 2
// as the entry with an empty name. That entry is skipped before it reaches
// the sink, so C survives from page 1 and D is the fourth unique record.
func TestRunTwoPageCatalog(t *testing.T) {
	cfg := testConfig(t, "pasta")
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("?page=2",
		item{sku: "A", name: "Penne"},
		item{sku: "B", name: "Rigatoni"},
		item{sku: "C", name: "Fusilli"},
	)
	f.pages[categoryURL("pasta")+"?page=2"] = catalogPage("",
		item{sku: "C"},
		item{sku: "D", name: "Orzo"},
	)

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RecordsWritten != 4 || result.Skipped != 1 || result.ExitCode() != 0 {
		t.Fatalf("written=%d skipped=%d exit=%d", result.RecordsWritten, result.Skipped, result.ExitCode())
	}
	if result.Duplicates != 0 {
		t.Fatalf("duplicates=%d, want 0", result.Duplicates)
	}

	products, err := pipeline.ReadCSV(cfg.OutputPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	var got []string
	for _, p := range products {
		got = append(got, p.SKU+"="+p.Name)
	}
	if want := "A=Penne,B=Rigatoni,C=Fusilli,D=Orzo"; strings.Join(got, ",") != want {
		t.Fatalf("records %v, want %s", got, want)
	}
}

func TestRunRedirectedPageIsNotRefetched(t *testing.T) {
	cfg := testConfig(t, "pasta")
	cfg.MaxPages = 0
	f := newFakeFetcher()
	first := categoryURL("pasta") + "?page=1"
	second := categoryURL("pasta") + "?page=2"
	f.redirects[categoryURL("pasta")] = first
	f.pages[first] = catalogPage("?page=2", item{sku: "A", name: "a"})
	f.pages[second] = catalogPage("?page=1", item{sku: "B", name: "b"})

	result, err := newTestScraper(t, cfg, f).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.Calls(first); got != 0 {
		t.Fatalf("redirect target fetched again %d times", got)
	}
	if result.PagesVisited != 2 || result.RecordsWritten != 2 {
		t.Fatalf("pages=%d records=%d, want 2 and 2", result.PagesVisited, result.RecordsWritten)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func TestRunRecordsRateLimitWaitPerFetch(t *testing.T) {
	cfg := testConfig(t, "pasta")
	f := newFakeFetcher()
	f.pages[categoryURL("pasta")] = catalogPage("?page=2", item{sku: "A", name: "a"})
	f.pages[categoryURL("pasta")+"?page=2"] = catalogPage("?page=3", item{sku: "B", name: "b"})
	f.pages[categoryURL("pasta")+"?page=3"] = catalogPage("", item{sku: "C", name: "c"})

	limiter := ratelimit.New(50*time.Millisecond, 0, ratelimit.WithClock(&manualClock{now: time.Unix(0, 0)}))
	s := newTestScraper(t, cfg, f, WithLimiter(limiter))

	var observed []float64
	f.onFetch = func(string) {
		observed = append(observed, testutil.ToFloat64(s.Metrics.RateLimitWait))
	}

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []float64{0, 0.05, 0.1}
	if len(observed) != len(want) {
		t.Fatalf("observed %v, want %v", observed, want)
	}
	for i := range want {
		if diff := observed[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("wait metric during fetch %d = %v, want %v", i+1, observed[i], want[i])
		}
	}
}
