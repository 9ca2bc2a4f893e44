package fetcher

import (
	"context"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/ratelimit"
)

type throttled struct {
	next    Fetcher
	limiter *ratelimit.Limiter
	onWait  func(time.Duration)
}

// ThrottleOption configures WithRateLimit.
type ThrottleOption func(*throttled)

// OnWait reports the time each Fetch slept on the limiter.
func OnWait(fn func(time.Duration)) ThrottleOption {
	return func(t *throttled) {
		t.onWait = fn
	}
}

// WithRateLimit gates every Fetch on next behind limiter, retries included.
func WithRateLimit(next Fetcher, limiter *ratelimit.Limiter, opts ...ThrottleOption) Fetcher {
	if limiter == nil {
		return next
	}
	t := &throttled{next: next, limiter: limiter}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *throttled) Fetch(ctx context.Context, url string) (*models.Page, error) {
	slept, err := t.limiter.WaitDelay(ctx)
	if err != nil {
		return nil, &NavigationError{URL: url, Kind: KindCanceled, Err: err}
	}
	if t.onWait != nil && slept > 0 {
		t.onWait(slept)
	}
	return t.next.Fetch(ctx, url)
}

func (t *throttled) Close() error {
	return t.next.Close()
}
