package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/go-shiori/go-readability"
)

var (
	reSpaces     = regexp.MustCompile(`[ \t\f\v\p{Zs}]+`)
	reBlankLines = regexp.MustCompile(`\n\s*\n+`)
)

// collapse folds runs of horizontal whitespace and trims the result.
func collapse(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reSpaces.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(reBlankLines.ReplaceAllString(s, "\n\n"))
}

// firstValue returns the first non-empty collapsed value.
func firstValue(values []string) string {
	for _, v := range values {
		if c := collapse(v); c != "" {
			return c
		}
	}
	return ""
}

// joinValues collapses each value, drops empties and duplicates, and joins with sep.
func joinValues(values []string, sep string) string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		c := collapse(v)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return strings.Join(out, sep)
}

// parsePublished accepts the many date layouts news sites emit.
func parsePublished(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil, fmt.Errorf("parse published %q: %w", raw, err)
	}
	t = t.UTC()
	return &t, nil
}

// readable is the fallback when the content selector finds nothing.
type readable struct {
	Title   string
	Text    string
	Excerpt string
}

func readabilityFallback(rawHTML, pageURL string) (readable, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return readable{}, fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		return readable{}, fmt.Errorf("readability: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return readable{}, fmt.Errorf("parse readable content: %w", err)
	}
	doc.Find("figure, aside, script, style, noscript").Remove()

	paragraphs := make([]string, 0)
	doc.Find("p, h2, h3, li, blockquote").Each(func(_ int, sel *goquery.Selection) {
		paragraphs = append(paragraphs, sel.Text())
	})
	text := joinValues(paragraphs, "\n\n")
	if text == "" {
		text = collapse(doc.Text())
	}
	return readable{
		Title:   collapse(article.Title),
		Text:    text,
		Excerpt: collapse(article.Excerpt),
	}, nil
}
