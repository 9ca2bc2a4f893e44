package scraper

import (
	"context"
	"errors"

	"github.com/aluiziolira/go-scrape-catalog/fetcher"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
)

var (
	// ErrAlreadyRun is returned when Run is called on a scraper that has
	// already started.
	ErrAlreadyRun = errors.New("scraper: already run")
	// ErrNoPages reports a run in which no listing page could be processed.
	ErrNoPages = errors.New("scraper: no pages processed")

	errRecordLimit = errors.New("record limit reached")
)

// ParseError reports a fetched page whose HTML could not be parsed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return "parse " + e.URL + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var navErr *fetcher.NavigationError
	if errors.As(err, &navErr) {
		return navErr.Kind
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	var ioErr *pipeline.IOError
	if errors.As(err, &ioErr) {
		return "io"
	}
	if errors.Is(err, context.Canceled) {
		return fetcher.KindCanceled
	}
	return fetcher.KindOf(err)
}
