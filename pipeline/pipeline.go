// Package pipeline collects validated, de-duplicated product records and
// writes them out once a run ends.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

var (
	// ErrSinkFlushed is returned by Add and Flush once the sink has been flushed.
	ErrSinkFlushed = errors.New("pipeline: sink already flushed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(products []*models.Product) error
	Close() error
	Validate() error
}

// IOError reports a failure to persist the output. It is fatal for a run.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("output %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Stats summarizes what the sink accepted and turned away.
type Stats struct {
	Accepted   int
	Duplicates int
	Rejected   int
}

// Sink accumulates unique products keyed on SKU. The first record seen for
// a SKU wins and output keeps first-observation order. Safe for
// concurrent use.
type Sink struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []*models.Product
	stats   Stats
	flushed bool
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{seen: make(map[string]struct{})}
}

// Add validates p and stores it unless its SKU was already seen.
// It reports whether the record was added; invalid records return an error.
func (s *Sink) Add(p *models.Product) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushed {
		return false, ErrSinkFlushed
	}
	if err := parser.ValidateProduct(p); err != nil {
		s.stats.Rejected++
		return false, err
	}
	if _, ok := s.seen[p.SKU]; ok {
		s.stats.Duplicates++
		slog.Debug("Dropping duplicate product",
			slog.String("sku", p.SKU),
			slog.String("url", p.URL),
		)
		return false, nil
	}
	s.seen[p.SKU] = struct{}{}
	s.order = append(s.order, p)
	s.stats.Accepted++
	return true, nil
}

// Len returns the number of unique records held.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Records returns the held records in first-observation order.
func (s *Sink) Records() []*models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Product, len(s.order))
	copy(out, s.order)
	return out
}

// Flush writes all records as CSV to path, replacing any existing file.
// The parent directory must exist.
func (s *Sink) Flush(path string) (int, error) {
	if err := s.markFlushed(); err != nil {
		return 0, err
	}
	w, err := NewCSVWriter(path, false)
	if err != nil {
		return 0, err
	}
	return s.write(w)
}

// FlushTo writes all records to w, then closes and validates it.
func (s *Sink) FlushTo(w OutputWriter) (int, error) {
	if err := s.markFlushed(); err != nil {
		return 0, err
	}
	return s.write(w)
}

func (s *Sink) markFlushed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed {
		return ErrSinkFlushed
	}
	s.flushed = true
	return nil
}

func (s *Sink) write(w OutputWriter) (int, error) {
	records := s.Records()
	if err := w.Write(records); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	if err := w.Validate(); err != nil {
		return 0, err
	}
	slog.Info("Output written", slog.Int("records", len(records)))
	return len(records), nil
}
