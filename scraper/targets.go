package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// BuildTargets expands the configured categories into first-page targets.
// Absolute http(s) URLs are used as-is; any other value is treated as a
// category identifier and joined to the base URL through CategoryPath.
func BuildTargets(cfg *config.Config) ([]models.CategoryTarget, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	targets := make([]models.CategoryTarget, 0, len(cfg.Categories))
	for _, category := range cfg.Categories {
		category = strings.TrimSpace(category)
		if category == "" {
			continue
		}

		if u, ok := config.CategoryURL(category); ok {
			targets = append(targets, models.CategoryTarget{
				CategoryID: categoryID(u),
				PageURL:    u.String(),
				PageIndex:  1,
			})
			continue
		}

		ref, err := url.Parse(fmt.Sprintf(cfg.CategoryPath, url.PathEscape(category)))
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", category, err)
		}
		targets = append(targets, models.CategoryTarget{
			CategoryID: category,
			PageURL:    base.ResolveReference(ref).String(),
			PageIndex:  1,
		})
	}
	return targets, nil
}

// categoryID names a category given by URL after its last path segment.
func categoryID(u *url.URL) string {
	segment := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(segment, "/"); i >= 0 {
		segment = segment[i+1:]
	}
	if segment == "" {
		return u.Host
	}
	return segment
}

// normalizeURL strips the fragment so anchors on one page share a key.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
