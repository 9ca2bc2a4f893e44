// Package fetcher turns catalog URLs into rendered page content.
package fetcher

import (
	"context"
	"fmt"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// Fetcher retrieves rendered page content for a URL. Implementations
// return *NavigationError on failure.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*models.Page, error)
	Close() error
}

// Open starts the fetch engine selected by cfg.Engine. The caller owns the
// returned fetcher and must Close it.
func Open(ctx context.Context, cfg *config.Config) (Fetcher, error) {
	switch cfg.Engine {
	case config.EngineHTTP, "":
		return NewHTTP(cfg)
	case config.EnginePlaywright:
		return NewBrowser(ctx, cfg)
	case config.EngineChromedp:
		return NewChrome(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported engine: %s", cfg.Engine)
	}
}
