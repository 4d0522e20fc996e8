package extract

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// Extractor implements crawler.Extractor with XPath selectors.
type Extractor struct {
	selectors selectorCache
}

// New returns an Extractor with an empty selector cache.
func New() *Extractor {
	return &Extractor{}
}

// ItemLinks returns the absolute, normalized detail links on a list page in
// document order with duplicates removed.
func (e *Extractor) ItemLinks(site crawler.SiteConfig, pageURL string, body string) ([]string, error) {
	var raw []string
	if site.FeedFormat == crawler.FeedRSS {
		links, err := feedLinks(body)
		if err != nil {
			return nil, err
		}
		raw = links
	} else {
		doc, err := htmlquery.Parse(strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse list page: %w", err)
		}
		links, err := e.selectors.links(doc, site.FeedItemLinkSelector)
		if err != nil {
			return nil, fmt.Errorf("item links: %w", err)
		}
		raw = links
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, href := range raw {
		abs, err := crawler.ResolveURL(pageURL, href)
		if err != nil || len(abs) > crawler.MaxURLLength {
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	return out, nil
}

func feedLinks(body string) ([]string, error) {
	feed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	out := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		switch {
		case strings.HasPrefix(item.Link, "http"):
			out = append(out, item.Link)
		case strings.HasPrefix(item.GUID, "http"):
			out = append(out, item.GUID)
		}
	}
	return out, nil
}

// Record extracts one detail page. Missing fields are left empty with a note;
// the record fails only when neither a title nor content could be found.
func (e *Extractor) Record(site crawler.SiteConfig, pageURL string, body string) crawler.ArticleRecord {
	rec := crawler.ArticleRecord{
		Source: site.Source,
		URL:    pageURL,
		Status: crawler.StatusCreatedSummary,
	}
	doc, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		rec.AddNote("parse document: %v", err)
		_ = rec.Transition(crawler.StatusCrawlingFailed)
		return rec
	}

	sel := site.Selectors
	field := func(name, expr string) []string {
		if strings.TrimSpace(expr) == "" {
			return nil
		}
		values, err := e.selectors.evaluate(doc, expr)
		if err != nil {
			rec.AddNote("%s selector: %v", name, err)
			return nil
		}
		if len(values) == 0 {
			rec.AddNote("%s not found", name)
		}
		return values
	}

	rec.Title = firstValue(field("title", sel.Title))
	rec.Summary = firstValue(field("summary", sel.Summary))
	rec.Authors = joinValues(field("author", sel.Author), ", ")
	rec.Keywords = joinValues(field("keywords", sel.Keywords), ", ")
	rec.Content = joinValues(field("content", sel.Content), "\n\n")

	if published := firstValue(field("published", sel.Published)); published != "" {
		ts, err := parsePublished(published)
		if err != nil {
			rec.AddNote("%v", err)
		}
		rec.Published = ts
	}

	if strings.TrimSpace(sel.Image) != "" {
		images, err := e.selectors.links(doc, sel.Image)
		switch {
		case err != nil:
			rec.AddNote("image selector: %v", err)
		case len(images) == 0:
			rec.AddNote("image not found")
		default:
			rec.Image = e.image(pageURL, images[0], &rec)
		}
	}

	if rec.Content == "" {
		if fallback, err := readabilityFallback(body, pageURL); err != nil {
			rec.AddNote("content fallback: %v", err)
		} else if fallback.Text != "" {
			rec.Content = fallback.Text
			rec.AddNote("content from readability")
			if rec.Title == "" {
				rec.Title = fallback.Title
			}
			if rec.Summary == "" {
				rec.Summary = fallback.Excerpt
			}
		}
	}

	if rec.Title == "" && rec.Content == "" {
		rec.AddNote("no title or content extracted")
		_ = rec.Transition(crawler.StatusCrawlingFailed)
		return rec
	}
	_ = rec.Transition(crawler.StatusCrawlingCompleted)
	return rec
}

func (e *Extractor) image(pageURL, raw string, rec *crawler.ArticleRecord) string {
	abs, err := crawler.ResolveURL(pageURL, raw)
	if err != nil {
		abs = strings.TrimSpace(raw)
	}
	if len(abs) > crawler.MaxImageLength {
		rec.AddNote("image exceeds %d characters", crawler.MaxImageLength)
		return ""
	}
	return abs
}
