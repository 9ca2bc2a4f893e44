package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Navigation error kinds.
const (
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindRateLimited = "rate_limited"
	KindServerError = "server_error"
	KindStatus      = "status"
	KindCanceled    = "canceled"
	KindOther       = "other"
)

// NavigationError reports a page that could not be fetched.
type NavigationError struct {
	URL    string
	Kind   string
	Status int
	Err    error
}

func (e *NavigationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("navigate %s: %s (status %d): %v", e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("navigate %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *NavigationError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// NewNavigationError classifies err and statusCode into a NavigationError.
func NewNavigationError(url string, err error, statusCode int) *NavigationError {
	if err == nil {
		err = fmt.Errorf("http status %d", statusCode)
	}
	return &NavigationError{
		URL:    url,
		Kind:   classify(err, statusCode),
		Status: statusCode,
		Err:    err,
	}
}

// KindOf returns the navigation kind of err, or "other" for foreign errors.
func KindOf(err error) string {
	if err == nil {
		return "unknown"
	}
	var navErr *NavigationError
	if errors.As(err, &navErr) {
		return navErr.Kind
	}
	return classify(err, 0)
}

// IsRetryable reports whether err is a retryable navigation failure.
func IsRetryable(err error) bool {
	var navErr *NavigationError
	if errors.As(err, &navErr) {
		return navErr.Retryable()
	}
	return false
}

func classify(err error, statusCode int) string {
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	switch {
	case statusCode == http.StatusForbidden:
		return KindForbidden
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode >= http.StatusInternalServerError:
		return KindServerError
	case statusCode >= http.StatusBadRequest:
		return KindStatus
	}
	return KindOther
}
