package fetcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aluiziolira/go-scrape-catalog/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedFetcher memoizes successful fetches in a bounded LRU. Product detail
// pages linked from several listings are only fetched once.
type CachedFetcher struct {
	next   Fetcher
	pages  *lru.Cache[string, *models.Page]
	hits   atomic.Int64
	misses atomic.Int64
}

// WithCache wraps next with an LRU of the given size.
func WithCache(next Fetcher, size int) (*CachedFetcher, error) {
	pages, err := lru.New[string, *models.Page](size)
	if err != nil {
		return nil, fmt.Errorf("create page cache: %w", err)
	}
	return &CachedFetcher{next: next, pages: pages}, nil
}

func (c *CachedFetcher) Fetch(ctx context.Context, url string) (*models.Page, error) {
	if page, ok := c.pages.Get(url); ok {
		c.hits.Add(1)
		return page, nil
	}
	c.misses.Add(1)

	page, err := c.next.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.pages.Add(url, page)
	return page, nil
}

// Stats returns cache hits and misses.
func (c *CachedFetcher) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedFetcher) Close() error {
	c.pages.Purge()
	return c.next.Close()
}
