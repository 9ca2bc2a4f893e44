// Package parser turns fetched catalog pages into product records.
package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// Selector chains are tried in order; the first non-empty match wins.
var (
	cardSelectors = []string{
		".product-card",
		`[data-id="product_card"]`,
		`[data-testid="product-card"]`,
		"article.product",
	}
	skuSelectors = []string{
		".selectable-supc-label span",
		`div[data-id*="selectable-supc-label"] span`,
		`div[data-id="product_id"]`,
		".product-id",
		".sku",
	}
	brandSelectors = []string{
		".brand",
		`button[data-id="product_brand_link"]`,
		".product-brand",
	}
	nameSelectors = []string{
		".product-name",
		`[data-id="product-name"]`,
		".product-title",
	}
	packagingSelectors = []string{
		`div[data-id="pack_size"]`,
		".pack-size",
		".packaging",
	}
	imageSelectors = []string{
		".product-card-image-v2 img",
		`div[data-id*="product_card_image"] img`,
		`img[data-id="main-product-img-v2"]`,
		".product-image img",
		"img",
	}
	descriptionSelectors = []string{
		".description-detail-wrapper",
		`div[data-id="product_description_text"]`,
		".product-description",
		".description",
	}
	priceSelectors = []string{
		".price-current",
		".product-price",
		`[data-id="product-price"]`,
		".price",
	}
	linkSelectors = []string{
		"a.product-card-link",
		`a[data-id="product_card_link"]`,
		".product-name a",
		"a[href]",
	}
	nextSelectors = []string{
		`a[rel="next"]`,
		`link[rel="next"]`,
		`a[aria-label="Next"]`,
		".pagination .next a",
		".pagination a.next",
		".pager .next a",
		`a:contains("Next")`,
	}
)

var detailNameSelectors = []string{
	"h1.product-name",
	`h1[data-id="product-name"]`,
	".product-name",
	".product-title h1",
	"h1",
}

// Warning describes a catalog entry that was skipped or altered.
type Warning struct {
	URL    string
	Index  int
	Field  string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s entry %d: %s: %s", w.URL, w.Index, w.Field, w.Reason)
}

// Extraction is the outcome of parsing one listing page.
type Extraction struct {
	Products []*models.Product
	Warnings []Warning
	// Skipped counts entries dropped for missing required fields.
	Skipped int
	NextURL string
}

// Extractor reads product cards and pagination links from catalog pages.
type Extractor struct {
	formatDescriptions bool
	now                func() time.Time
}

// NewExtractor builds an extractor. When formatDescriptions is set,
// description copy is reorganized with FormatDescription.
func NewExtractor(formatDescriptions bool) *Extractor {
	return &Extractor{formatDescriptions: formatDescriptions, now: time.Now}
}

// Extract parses a listing page. Products are returned in document order;
// entries without a SKU or name are skipped with a warning.
func (e *Extractor) Extract(page *models.Page, categoryID string) (*Extraction, error) {
	doc, base, err := parse(page)
	if err != nil {
		return nil, err
	}

	out := &Extraction{}
	scrapedAt := e.now().UTC()

	cards := findCards(doc)
	cards.Each(func(i int, card *goquery.Selection) {
		p := &models.Product{
			SKU:         firstText(card, skuSelectors),
			Brand:       firstText(card, brandSelectors),
			Name:        firstText(card, nameSelectors),
			Packaging:   firstText(card, packagingSelectors),
			Description: e.description(card),
			Price:       NormalizePrice(firstText(card, priceSelectors)),
			Category:    categoryID,
			ScrapedAt:   scrapedAt,
		}
		if p.SKU == "" {
			if sku, ok := card.Attr("data-sku"); ok {
				p.SKU = CleanText(sku)
			}
		}
		if href := firstAttr(card, linkSelectors, "href"); href != "" {
			if resolved, ok := resolveHTTP(base, href); ok {
				p.URL = resolved
			}
		}

		if field := missingField(p); field != "" {
			w := Warning{URL: page.URL, Index: i, Field: field, Reason: ErrMissingField.Error()}
			out.Warnings = append(out.Warnings, w)
			out.Skipped++
			slog.Warn("Skipping catalog entry",
				slog.String("url", page.URL),
				slog.Int("index", i),
				slog.String("field", field),
			)
			return
		}

		if w, ok := e.setImage(p, card, base); !ok {
			w.URL, w.Index = page.URL, i
			out.Warnings = append(out.Warnings, w)
			slog.Warn("Dropping malformed image URL",
				slog.String("url", page.URL),
				slog.String("sku", p.SKU),
				slog.String("reason", w.Reason),
			)
		}

		out.Products = append(out.Products, p)
	})

	out.NextURL = findNext(doc, base)

	slog.Debug("Extracted listing page",
		slog.String("url", page.URL),
		slog.Int("cards", cards.Length()),
		slog.Int("products", len(out.Products)),
		slog.Int("skipped", out.Skipped),
		slog.String("next", out.NextURL),
	)
	return out, nil
}

// ExtractDetail merges the fields of a product detail page into a copy of
// listing. Only fields empty on the listing record are filled.
func (e *Extractor) ExtractDetail(page *models.Page, listing *models.Product) (*models.Product, error) {
	doc, base, err := parse(page)
	if err != nil {
		return nil, err
	}
	root := doc.Selection
	p := listing.Clone()

	fill := func(dst *string, value string) {
		if *dst == "" {
			*dst = value
		}
	}
	fill(&p.Brand, firstText(root, brandSelectors))
	fill(&p.Name, firstText(root, detailNameSelectors))
	fill(&p.Packaging, firstText(root, packagingSelectors))
	fill(&p.Description, e.description(root))
	fill(&p.Price, NormalizePrice(firstText(root, priceSelectors)))
	if p.ImageURL == "" {
		if w, ok := e.setImage(p, root, base); !ok {
			slog.Warn("Dropping malformed image URL",
				slog.String("url", page.URL),
				slog.String("sku", p.SKU),
				slog.String("reason", w.Reason),
			)
		}
	}
	return p, nil
}

func (e *Extractor) description(sel *goquery.Selection) string {
	text := firstText(sel, descriptionSelectors)
	text = strings.TrimSpace(strings.ReplaceAll(text, "...Read More", ""))
	if e.formatDescriptions {
		return FormatDescription(text)
	}
	return text
}

// setImage resolves the card image against the page. A source that does not
// resolve to http(s) leaves ImageURL empty and returns a warning.
func (e *Extractor) setImage(p *models.Product, sel *goquery.Selection, base *url.URL) (Warning, bool) {
	src := firstAttr(sel, imageSelectors, "src", "data-src")
	if src == "" {
		return Warning{}, true
	}
	resolved, ok := resolveHTTP(base, src)
	if !ok {
		p.ImageURL = ""
		return Warning{Field: "imageUrl", Reason: fmt.Sprintf("not an http(s) URL: %q", truncate(src, 64))}, false
	}
	p.ImageURL = resolved
	return Warning{}, true
}

func parse(page *models.Page) (*goquery.Document, *url.URL, error) {
	if page == nil {
		return nil, nil, fmt.Errorf("page is nil")
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url %q: %w", page.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html %s: %w", page.URL, err)
	}
	return doc, base, nil
}

func findCards(doc *goquery.Document) *goquery.Selection {
	for _, sel := range cardSelectors {
		if cards := doc.Find(sel); cards.Length() > 0 {
			return cards
		}
	}
	return doc.Find(cardSelectors[0])
}

func firstText(sel *goquery.Selection, selectors []string) string {
	for _, s := range selectors {
		var text string
		sel.Find(s).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			text = CleanText(node.Text())
			return text == ""
		})
		if text != "" {
			return text
		}
	}
	return ""
}

func firstAttr(sel *goquery.Selection, selectors []string, attrs ...string) string {
	for _, s := range selectors {
		var value string
		sel.Find(s).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			for _, attr := range attrs {
				if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
					value = strings.TrimSpace(v)
					return false
				}
			}
			return true
		})
		if value != "" {
			return value
		}
	}
	return ""
}

// findNext returns the first enabled "next page" link, resolved against
// base, or "" when the catalog has no further pages.
func findNext(doc *goquery.Document, base *url.URL) string {
	for _, s := range nextSelectors {
		var next string
		doc.Find(s).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			if disabled(node) {
				return true
			}
			href, _ := node.Attr("href")
			if resolved, ok := resolveHTTP(base, href); ok {
				next = resolved
				return false
			}
			return true
		})
		if next != "" {
			return next
		}
	}
	return ""
}

func disabled(node *goquery.Selection) bool {
	if _, ok := node.Attr("disabled"); ok {
		return true
	}
	if v, _ := node.Attr("aria-disabled"); v == "true" {
		return true
	}
	if node.HasClass("disabled") || node.Parent().HasClass("disabled") {
		return true
	}
	href := strings.TrimSpace(node.AttrOr("href", ""))
	return href == "" || href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:")
}

func resolveHTTP(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
