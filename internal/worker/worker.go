// Package worker implements the per-source crawl loop.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/fetcher"
	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	Retry crawler.RetryPolicy
	// FetchTimeout bounds a single render attempt. Zero leaves it to the renderer.
	FetchTimeout time.Duration
	ContentType  string
	BlobPrefix   string
}

// Renderers holds the strategies a site may select. AutoViewSource escalates
// to the view-source browser instead of the live one.
type Renderers struct {
	Direct         crawler.Renderer
	Browser        crawler.Renderer
	ViewSource     crawler.Renderer
	Auto           crawler.Renderer
	AutoViewSource crawler.Renderer
}

func (r Renderers) forSite(site crawler.SiteConfig) crawler.Renderer {
	browser := r.Browser
	if site.ViewSource && r.ViewSource != nil {
		browser = r.ViewSource
	}
	if browser == nil {
		browser = r.Direct
	}
	auto := r.Auto
	if site.ViewSource && r.AutoViewSource != nil {
		auto = r.AutoViewSource
	}
	if auto == nil {
		auto = r.Direct
	}
	return fetcher.Select(site.Renderer, r.Direct, browser, auto)
}

// Pacer throttles fetches per host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Worker crawls one source at a time; a single Worker is safe to share
// between concurrently running sources.
type Worker struct {
	gateway   crawler.Gateway
	extractor crawler.Extractor
	renderers Renderers
	pacer     Pacer
	blobStore crawler.BlobStore
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. pacer and blobStore are optional.
func New(
	gateway crawler.Gateway,
	extractor crawler.Extractor,
	renderers Renderers,
	pacer Pacer,
	blobStore crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.NewFixedRetryPolicy(0, 0)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		gateway:   gateway,
		extractor: extractor,
		renderers: renderers,
		pacer:     pacer,
		blobStore: blobStore,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// crawlRun is the mutable state of one Crawl call.
type crawlRun struct {
	site      crawler.SiteConfig
	renderer  crawler.Renderer
	watermark string
	seen      map[string]struct{}
	records   []crawler.ArticleRecord
	result    crawler.SourceResult
	logger    *zap.Logger
}

// Crawl runs one source to a stop condition and persists what it collected
// in a single batch. Errors are reported on the result, never returned.
func (w *Worker) Crawl(ctx context.Context, site crawler.SiteConfig) crawler.SourceResult {
	site = site.WithDefaults()
	start := w.clock.Now()
	run := &crawlRun{
		site:     site,
		renderer: w.renderers.forSite(site),
		seen:     make(map[string]struct{}),
		result:   crawler.SourceResult{Source: site.Source},
		logger:   w.logger.With(zap.String("source", string(site.Source))),
	}

	metrics.IncActiveCrawlers()
	defer metrics.DecActiveCrawlers()

	run.logger.Info("crawl started", zap.String("renderer", string(site.Renderer)))
	w.crawl(ctx, run)
	w.persist(ctx, run)

	res := run.result
	res.Duration = w.clock.Now().Sub(start)
	outcome := "success"
	if !res.Succeeded() {
		outcome = "error"
	}
	metrics.ObserveItems(string(site.Source), "skipped", len(res.Skipped))
	metrics.ObserveSourceRun(string(site.Source), outcome, res.Duration)
	run.logger.Info("crawl finished",
		zap.String("stopped", string(res.Stopped)),
		zap.Int("pages", res.Pages),
		zap.Int("persisted", res.Persisted),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("duration", res.Duration),
		zap.String("error", res.ErrText),
	)
	return res
}

func (w *Worker) crawl(ctx context.Context, run *crawlRun) {
	site := run.site
	prev, err := w.gateway.GetPrevious(ctx, site.Source)
	if err != nil {
		run.result.SetErr(fmt.Errorf("get previous: %w", err))
		return
	}
	if prev != nil {
		run.watermark = prev.URL
		run.logger.Debug("resuming from watermark", zap.Int64("id", prev.ID), zap.String("url", prev.URL))
	}

	for pageIndex := site.FeedStartPageIndex; ; pageIndex++ {
		if ctx.Err() != nil {
			run.stop(crawler.StopCanceled, ctx.Err())
			return
		}
		if run.result.Pages >= site.PageLimit() {
			run.result.Stopped = crawler.StopPageLimit
			return
		}
		if done := w.crawlPage(ctx, run, site.PageURL(pageIndex)); done {
			return
		}
		if !site.Paginated() {
			run.result.Stopped = crawler.StopPageLimit
			return
		}
	}
}

// crawlPage handles one list page and reports whether the loop must stop.
func (w *Worker) crawlPage(ctx context.Context, run *crawlRun, pageURL string) bool {
	site := run.site
	body, attempts, err := w.fetch(ctx, run, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			run.stop(crawler.StopCanceled, ctx.Err())
			return true
		}
		metrics.ObservePage(string(site.Source), "list", "error", 0)
		run.stop(crawler.StopListFailed,
			fmt.Errorf("%w: %s after %d attempts: %w", crawler.ErrListPageUnavailable, pageURL, attempts, err))
		return true
	}
	run.result.Pages++
	metrics.ObservePage(string(site.Source), "list", "success", len(body))

	links, err := w.extractor.ItemLinks(site, pageURL, body)
	if err != nil {
		run.stop(crawler.StopListFailed, fmt.Errorf("item links on %s: %w", pageURL, err))
		return true
	}
	links, hitWatermark := cutAtWatermark(links, run.watermark)
	links = run.unseen(links)
	if len(links) == 0 && !hitWatermark {
		run.result.Stopped = crawler.StopEmptyPage
		return true
	}
	// Items that fail do not count toward MaxItems, so the page is consumed
	// in windows until enough records exist. Links are marked seen only once
	// their window is fetched.
	for len(links) > 0 && ctx.Err() == nil {
		window := links
		if site.MaxItems > 0 {
			remaining := site.MaxItems - len(run.records)
			if remaining <= 0 {
				break
			}
			if len(window) > remaining {
				window = window[:remaining]
			}
		}
		links = links[len(window):]
		run.markSeen(window)
		w.crawlItems(ctx, run, window)
	}

	switch {
	case hitWatermark:
		run.result.Stopped = crawler.StopWatermark
		return true
	case site.MaxItems > 0 && len(run.records) >= site.MaxItems:
		run.result.Stopped = crawler.StopItemLimit
		return true
	}
	return false
}

type itemResult struct {
	record   crawler.ArticleRecord
	failure  *crawler.ItemFailure
	canceled bool
}

// crawlItems fetches the page's detail links with at most Parallelism in
// flight and appends results in list order.
func (w *Worker) crawlItems(ctx context.Context, run *crawlRun, links []string) {
	results := make([]itemResult, len(links))
	var g errgroup.Group
	g.SetLimit(run.site.Parallelism())
	for i, link := range links {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					run.logger.Error("item panicked", zap.String("url", link), zap.Any("panic", r))
					results[i] = itemResult{failure: &crawler.ItemFailure{URL: link, Note: fmt.Sprintf("panic: %v", r)}}
				}
			}()
			results[i] = w.crawlItem(ctx, run, link)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		switch {
		case res.canceled:
		case res.failure != nil:
			run.result.Skipped = append(run.result.Skipped, *res.failure)
		default:
			if res.record.Status == crawler.StatusCrawlingFailed {
				run.result.Failed++
			}
			run.records = append(run.records, res.record)
		}
	}
}

func (w *Worker) crawlItem(ctx context.Context, run *crawlRun, link string) itemResult {
	source := string(run.site.Source)
	body, attempts, err := w.fetch(ctx, run, link)
	if err != nil {
		if ctx.Err() != nil {
			return itemResult{canceled: true}
		}
		metrics.ObservePage(source, "detail", "error", 0)
		note := fmt.Sprintf("skipped after %d attempts: %v", attempts, err)
		run.logger.Warn("item skipped", zap.String("url", link), zap.Int("attempts", attempts), zap.Error(err))
		return itemResult{failure: &crawler.ItemFailure{URL: link, Attempts: attempts, Note: note}}
	}
	metrics.ObservePage(source, "detail", "success", len(body))

	record := w.extractor.Record(run.site, link, body)
	if w.blobStore != nil {
		if _, err := w.archive(ctx, run.site.Source, body); err != nil {
			record.AddNote("archive: %v", err)
			run.logger.Warn("archive page failed", zap.String("url", link), zap.Error(err))
		}
	}
	if record.Notes != "" {
		run.logger.Debug("partial extraction", zap.String("url", link), zap.String("notes", record.Notes))
	}
	return itemResult{record: record}
}

// fetch renders url with the retry policy and returns the attempts made.
func (w *Worker) fetch(ctx context.Context, run *crawlRun, url string) (string, int, error) {
	policy := w.cfg.Retry
	for attempt := 1; ; attempt++ {
		body, err := w.renderOnce(ctx, run.renderer, url)
		if err == nil {
			return body, attempt, nil
		}
		if ctx.Err() != nil || !policy.ShouldRetry(err, attempt) {
			return "", attempt, err
		}
		delay := policy.Backoff(attempt)
		run.logger.Warn("fetch failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts()),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(string(run.site.Source))
		if err := crawler.Sleep(ctx, delay); err != nil {
			return "", attempt, err
		}
	}
}

func (w *Worker) renderOnce(ctx context.Context, renderer crawler.Renderer, url string) (string, error) {
	if w.pacer != nil {
		if err := w.pacer.Wait(ctx, url); err != nil {
			return "", err
		}
	}
	attemptCtx := ctx
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}
	body, err := renderer.Render(attemptCtx, url)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}
	return body, nil
}

func (w *Worker) archive(ctx context.Context, source crawler.Source, body string) (string, error) {
	hash, err := w.hasher.Hash([]byte(body))
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(source, hash), w.cfg.ContentType, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) buildBlobPath(source crawler.Source, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", source, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, source, hash)
}

// persist hands the accumulated records to the gateway once. A run that was
// cut short by cancellation or a broken list page keeps nothing, so the
// watermark never moves past items that were never visited.
func (w *Worker) persist(ctx context.Context, run *crawlRun) {
	if len(run.records) == 0 {
		return
	}
	switch run.result.Stopped {
	case crawler.StopCanceled, crawler.StopListFailed:
		run.logger.Warn("discarding partial crawl", zap.Int("records", len(run.records)))
		return
	}
	if err := w.gateway.PersistBatch(ctx, run.records, run.site.Source); err != nil {
		run.logger.Error("persist batch failed", zap.Int("records", len(run.records)), zap.Error(err))
		run.result.SetErr(fmt.Errorf("persist batch: %w", err))
		return
	}
	run.result.Persisted = len(run.records)
	metrics.ObserveItems(string(run.site.Source), "persisted", len(run.records))
}

func (r *crawlRun) stop(reason crawler.StopReason, err error) {
	r.result.Stopped = reason
	r.result.SetErr(err)
}

// unseen drops links already handled earlier in this run and duplicates
// within links. It does not mark anything as seen.
func (r *crawlRun) unseen(links []string) []string {
	out := links[:0:0]
	dup := make(map[string]struct{}, len(links))
	for _, link := range links {
		if _, ok := r.seen[link]; ok {
			continue
		}
		if _, ok := dup[link]; ok {
			continue
		}
		dup[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

func (r *crawlRun) markSeen(links []string) {
	for _, link := range links {
		r.seen[link] = struct{}{}
	}
}

// cutAtWatermark keeps the links that precede the watermark URL.
func cutAtWatermark(links []string, watermark string) ([]string, bool) {
	if watermark == "" {
		return links, false
	}
	for i, link := range links {
		if link == watermark {
			return links[:i], true
		}
	}
	return links, false
}
