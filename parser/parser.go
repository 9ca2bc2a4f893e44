package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// ErrMissingField reports a product without one of its identifying fields.
var ErrMissingField = errors.New("missing required field")

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	bulletRe     = regexp.MustCompile(`[•·▪▫◦‣⁃]\s*`)
	dotsRe       = regexp.MustCompile(`\.{2,}`)
	dashesRe     = regexp.MustCompile(`-{2,}`)
	spaceBefore  = regexp.MustCompile(`\s+([,.!?;:])`)
	spaceAfter   = regexp.MustCompile(`([,.!?;:])\s+`)
	sentenceRe   = regexp.MustCompile(`[.!?]+`)
	priceRe      = regexp.MustCompile(`\$[\d,]+\.?\d*`)
)

// ValidateProduct ensures the product carries a SKU and a name.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if field := missingField(p); field != "" {
		return fmt.Errorf("product %q: %s: %w", p.URL, field, ErrMissingField)
	}
	return nil
}

func missingField(p *models.Product) string {
	if strings.TrimSpace(p.SKU) == "" {
		return "sku"
	}
	if strings.TrimSpace(p.Name) == "" {
		return "name"
	}
	return ""
}

// CleanText collapses runs of whitespace and drops list bullets.
func CleanText(text string) string {
	text = bulletRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// NormalizePrice keeps the first dollar amount found in the text, or the
// cleaned text when there is none.
func NormalizePrice(price string) string {
	price = CleanText(price)
	if m := priceRe.FindString(price); m != "" {
		return m
	}
	return price
}

const sectionLimit = 200

type section struct {
	label    string
	keywords []string
}

// Sentences are assigned to the first section whose keywords they mention;
// anything unmatched is product copy.
var sections = []section{
	{label: "COOKING INSTRUCTIONS", keywords: []string{"cook", "bake", "fry", "grill", "heat", "temperature", "oven", "microwave", "preparation", "serve"}},
	{label: "SPECIFICATIONS", keywords: []string{"weight", "size", "count", "piece", "lb", "oz", "gram", "dimension", "pack", "case", "unit"}},
	{label: "FEATURES", keywords: []string{"feature", "benefit", "quality", "fresh", "premium", "natural", "organic", "grade", "cut", "style"}},
}

var sectionOrder = []string{"PRODUCT", "SPECIFICATIONS", "FEATURES", "COOKING INSTRUCTIONS"}

// FormatDescription reorganizes free-form copy into labelled sections
// joined by " | ", e.g. "PRODUCT: Penne pasta. | SPECIFICATIONS: 20 lb case."
func FormatDescription(raw string) string {
	text := normalizeCopy(raw)
	if text == "" {
		return ""
	}

	grouped := make(map[string][]string, len(sectionOrder))
	for _, sentence := range sentenceRe.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		label := classifySentence(sentence)
		grouped[label] = append(grouped[label], sentence+".")
	}

	parts := make([]string, 0, len(sectionOrder))
	for _, label := range sectionOrder {
		if len(grouped[label]) == 0 {
			continue
		}
		content := limitSection(strings.Join(grouped[label], " "), sectionLimit)
		parts = append(parts, label+": "+content)
	}
	return strings.Join(parts, " | ")
}

func normalizeCopy(text string) string {
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = bulletRe.ReplaceAllString(text, "")
	text = dotsRe.ReplaceAllString(text, ".")
	text = dashesRe.ReplaceAllString(text, "-")
	text = spaceBefore.ReplaceAllString(text, "$1")
	text = spaceAfter.ReplaceAllString(text, "$1 ")
	return strings.TrimSpace(text)
}

func classifySentence(sentence string) string {
	lower := strings.ToLower(sentence)
	for _, s := range sections {
		for _, kw := range s.keywords {
			if strings.Contains(lower, kw) {
				return s.label
			}
		}
	}
	return "PRODUCT"
}

// limitSection cuts text to limit runes, preferring a sentence boundary
// when one falls in the last 30% of the window.
func limitSection(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	truncated := string(runes[:limit])
	if idx := strings.LastIndex(truncated, "."); idx >= 0 && len([]rune(truncated[:idx])) > limit*7/10 {
		return truncated[:idx+1]
	}
	return strings.TrimRight(truncated, " ") + "..."
}
