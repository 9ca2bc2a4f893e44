// Package models defines data structures for the scraper.
package models

import "time"

// Product represents one product record extracted from a catalog page.
// SKU is the dedup key within a run.
type Product struct {
	SKU         string    `csv:"sku" json:"sku"`
	Brand       string    `csv:"brand" json:"brand,omitempty"`
	Name        string    `csv:"name" json:"name"`
	Packaging   string    `csv:"packaging" json:"packaging,omitempty"`
	ImageURL    string    `csv:"imageUrl" json:"imageUrl,omitempty"`
	Description string    `csv:"description" json:"description,omitempty"`
	Price       string    `json:"price,omitempty"`
	Category    string    `json:"category,omitempty"`
	URL         string    `json:"url,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Clone returns a shallow copy so callers can derive a record without
// mutating one already handed to the sink.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

// CategoryTarget is one unit of crawl work: a single listing page of a category.
type CategoryTarget struct {
	CategoryID string
	PageURL    string
	PageIndex  int
}

// Page is the rendered content returned by a page fetcher.
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
	FetchedAt  time.Time
}
