package crawler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xpath"
)

// Kind distinguishes article feeds from listing feeds.
type Kind string

// Feed kinds.
const (
	KindArticle Kind = "article"
	KindListing Kind = "listing"
)

// FeedFormat describes how list pages are parsed for item links.
type FeedFormat string

// Feed formats.
const (
	FeedHTML FeedFormat = "html"
	FeedRSS  FeedFormat = "rss"
)

// RendererKind selects the rendering strategy for a site.
type RendererKind string

// Rendering strategies.
const (
	RendererDirect  RendererKind = "direct"
	RendererBrowser RendererKind = "browser"
	RendererAuto    RendererKind = "auto"
)

// BackoffKind selects the inter-retry sleep strategy.
type BackoffKind string

// Backoff strategies.
const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// DefaultMaxPages bounds the page index when a site does not set one.
const DefaultMaxPages = 50

// Selectors holds one XPath expression per extracted field.
type Selectors struct {
	Title     string `mapstructure:"title" json:"title"`
	Published string `mapstructure:"published" json:"published"`
	Author    string `mapstructure:"author" json:"author"`
	Image     string `mapstructure:"image" json:"image"`
	Summary   string `mapstructure:"summary" json:"summary"`
	Content   string `mapstructure:"content" json:"content"`
	Keywords  string `mapstructure:"keywords" json:"keywords"`
}

// Fields returns the selectors keyed by field name, skipping empty ones.
func (s Selectors) Fields() map[string]string {
	out := map[string]string{}
	for name, expr := range map[string]string{
		"title":     s.Title,
		"published": s.Published,
		"author":    s.Author,
		"image":     s.Image,
		"summary":   s.Summary,
		"content":   s.Content,
		"keywords":  s.Keywords,
	} {
		if strings.TrimSpace(expr) != "" {
			out[name] = expr
		}
	}
	return out
}

// SiteConfig is one source's crawl recipe.
type SiteConfig struct {
	Source                 Source       `mapstructure:"source" json:"source"`
	Kind                   Kind         `mapstructure:"kind" json:"kind"`
	FeedURL                string       `mapstructure:"feed_url" json:"feed_url"`
	FeedFormat             FeedFormat   `mapstructure:"feed_format" json:"feed_format"`
	FeedItemLinkSelector   string       `mapstructure:"feed_item_link_selector" json:"feed_item_link_selector"`
	FeedStartPageIndex     int          `mapstructure:"feed_start_page_index" json:"feed_start_page_index"`
	MaxPages               int          `mapstructure:"max_pages" json:"max_pages"`
	MaxItems               int          `mapstructure:"max_items" json:"max_items"`
	MaxDegreeOfParallelism int          `mapstructure:"max_degree_of_parallelism" json:"max_degree_of_parallelism"`
	Renderer               RendererKind `mapstructure:"renderer" json:"renderer"`
	ViewSource             bool         `mapstructure:"view_source" json:"view_source"`
	Language               string       `mapstructure:"language" json:"language"`
	Selectors              Selectors    `mapstructure:"selectors" json:"selectors"`
}

// PageURL expands the feed template for pageIndex. Templates use {page} or {0};
// a template without a placeholder is a single-page feed.
func (c SiteConfig) PageURL(pageIndex int) string {
	idx := strconv.Itoa(pageIndex)
	out := strings.ReplaceAll(c.FeedURL, "{page}", idx)
	return strings.ReplaceAll(out, "{0}", idx)
}

// Paginated reports whether the feed template carries a page placeholder.
func (c SiteConfig) Paginated() bool {
	return strings.Contains(c.FeedURL, "{page}") || strings.Contains(c.FeedURL, "{0}")
}

// Parallelism returns the detail fetch cap, at least 1.
func (c SiteConfig) Parallelism() int {
	if c.MaxDegreeOfParallelism <= 0 {
		return 1
	}
	return c.MaxDegreeOfParallelism
}

// PageLimit returns the number of list pages the crawl may visit.
func (c SiteConfig) PageLimit() int {
	if c.MaxPages <= 0 {
		return DefaultMaxPages
	}
	return c.MaxPages
}

// WithDefaults fills optional fields.
func (c SiteConfig) WithDefaults() SiteConfig {
	if c.Kind == "" {
		c.Kind = KindArticle
	}
	if c.FeedFormat == "" {
		c.FeedFormat = FeedHTML
	}
	if c.Renderer == "" {
		c.Renderer = RendererDirect
	}
	return c
}

// Validate rejects recipes the crawler cannot execute.
func (c SiteConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if strings.TrimSpace(c.FeedURL) == "" {
		return fmt.Errorf("%s: feed_url is required", c.Source)
	}
	switch c.Kind {
	case "", KindArticle, KindListing:
	default:
		return fmt.Errorf("%s: unknown kind %q", c.Source, c.Kind)
	}
	switch c.Renderer {
	case "", RendererDirect, RendererBrowser, RendererAuto:
	default:
		return fmt.Errorf("%s: unknown renderer %q", c.Source, c.Renderer)
	}
	switch c.FeedFormat {
	case "", FeedHTML:
		if strings.TrimSpace(c.FeedItemLinkSelector) == "" {
			return fmt.Errorf("%s: feed_item_link_selector is required for html feeds", c.Source)
		}
	case FeedRSS:
	default:
		return fmt.Errorf("%s: unknown feed_format %q", c.Source, c.FeedFormat)
	}
	if c.MaxDegreeOfParallelism < 0 || c.MaxPages < 0 || c.MaxItems < 0 {
		return fmt.Errorf("%s: limits must be >= 0", c.Source)
	}
	exprs := c.Selectors.Fields()
	if c.FeedItemLinkSelector != "" {
		exprs["feed_item_link"] = c.FeedItemLinkSelector
	}
	for field, expr := range exprs {
		if _, err := xpath.Compile(expr); err != nil {
			return fmt.Errorf("%s: invalid %s selector %q: %w", c.Source, field, expr, err)
		}
	}
	return nil
}

// CrawlSettings is the global policy for one orchestrator run.
type CrawlSettings struct {
	HTTPErrorRetry      int
	HTTPErrorRetrySleep time.Duration
	FetchTimeout        time.Duration
	Backoff             BackoffKind
	Crawlers            []SiteConfig
}

// Validate rejects unrecoverable configuration.
func (s CrawlSettings) Validate() error {
	if len(s.Crawlers) == 0 {
		return errors.New("no crawlers configured")
	}
	if s.HTTPErrorRetry < 0 {
		return errors.New("http_error_retry must be >= 0")
	}
	if s.HTTPErrorRetrySleep < 0 {
		return errors.New("http_error_retry_sleep must be >= 0")
	}
	switch s.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", s.Backoff)
	}
	seen := make(map[Source]struct{}, len(s.Crawlers))
	for _, site := range s.Crawlers {
		if err := site.Validate(); err != nil {
			return err
		}
		if _, dup := seen[site.Source]; dup {
			return fmt.Errorf("duplicate source %q", site.Source)
		}
		seen[site.Source] = struct{}{}
	}
	return nil
}

// RetryPolicy returns the sleep policy these settings select.
func (s CrawlSettings) RetryPolicy() RetryPolicy {
	if s.Backoff == BackoffExponential {
		return NewExponentialRetryPolicy(s.HTTPErrorRetry, s.HTTPErrorRetrySleep)
	}
	return NewFixedRetryPolicy(s.HTTPErrorRetry, s.HTTPErrorRetrySleep)
}
