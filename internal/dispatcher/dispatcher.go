// Package dispatcher runs every configured site crawler concurrently and then
// hands the stored backlog to the translation stage.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
	"github.com/JakeFAU/newsdesk-crawler/internal/translation"
)

// Crawler runs one source to completion.
type Crawler interface {
	Crawl(ctx context.Context, site crawler.SiteConfig) crawler.SourceResult
}

// CrawlerFactory builds the crawler for one run's settings.
type CrawlerFactory func(settings crawler.CrawlSettings) Crawler

// TranslationPass is the post-crawl stage.
type TranslationPass interface {
	Run(ctx context.Context) (translation.Summary, error)
}

// Run statuses reported in metrics and results.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// RunResult is the report of one orchestrated run.
type RunResult struct {
	RunID            string                 `json:"run_id"`
	Started          time.Time              `json:"started"`
	Finished         time.Time              `json:"finished"`
	Sources          []crawler.SourceResult `json:"sources"`
	Translation      translation.Summary    `json:"translation"`
	TranslationErr   error                  `json:"-"`
	TranslationError string                 `json:"translation_error,omitempty"`
}

// Persisted sums persisted records across sources.
func (r RunResult) Persisted() int {
	total := 0
	for _, src := range r.Sources {
		total += src.Persisted
	}
	return total
}

// Status classifies the run: failed when every source failed, partial when
// some source or the translation pass failed.
func (r RunResult) Status() string {
	failed := 0
	for _, src := range r.Sources {
		if !src.Succeeded() {
			failed++
		}
	}
	switch {
	case len(r.Sources) > 0 && failed == len(r.Sources):
		return StatusFailed
	case failed > 0 || r.TranslationErr != nil:
		return StatusPartial
	default:
		return StatusSucceeded
	}
}

// Config tunes the distributed guard.
type Config struct {
	LockKey string
	LockTTL time.Duration
}

// Dispatcher guarantees at most one run at a time.
type Dispatcher struct {
	factory CrawlerFactory
	stage   TranslationPass
	locker  crawler.Locker
	ids     crawler.IDGenerator
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunResult
}

// New creates a Dispatcher. stage and locker may be nil.
func New(
	factory CrawlerFactory,
	stage TranslationPass,
	locker crawler.Locker,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "newsdesk:run"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	return &Dispatcher{
		factory: factory,
		stage:   stage,
		locker:  locker,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Running reports whether a run is in progress in this process.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Last returns the most recent finished run, if any.
func (d *Dispatcher) Last() (RunResult, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return RunResult{}, false
	}
	return *d.last, true
}

// Run executes one full crawl and translation pass and blocks until both
// finish. It returns crawler.ErrAlreadyRunning without side effects when a
// run is active.
func (d *Dispatcher) Run(ctx context.Context, settings crawler.CrawlSettings) (RunResult, error) {
	runID, release, err := d.begin(ctx, settings)
	if err != nil {
		return RunResult{}, err
	}
	return d.execute(ctx, runID, settings, release), nil
}

// Start is Run in the background. It returns the run ID once the run is
// admitted; the result is available from Last after it finishes.
func (d *Dispatcher) Start(ctx context.Context, settings crawler.CrawlSettings) (string, error) {
	runID, release, err := d.begin(ctx, settings)
	if err != nil {
		return "", err
	}
	go d.execute(context.WithoutCancel(ctx), runID, settings, release)
	return runID, nil
}

func (d *Dispatcher) begin(ctx context.Context, settings crawler.CrawlSettings) (string, func(), error) {
	if err := settings.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid crawl settings: %w", err)
	}
	if !d.running.CompareAndSwap(false, true) {
		return "", nil, crawler.ErrAlreadyRunning
	}
	unlock := func() {}
	if d.locker != nil {
		releaseLock, err := d.locker.Acquire(ctx, d.cfg.LockKey, d.cfg.LockTTL)
		if err != nil {
			d.running.Store(false)
			if errors.Is(err, crawler.ErrAlreadyRunning) {
				return "", nil, err
			}
			return "", nil, fmt.Errorf("acquire run lock: %w", err)
		}
		unlock = func() {
			if err := releaseLock(context.Background()); err != nil {
				d.logger.Warn("release run lock", zap.Error(err))
			}
		}
	}
	runID, err := d.ids.NewID()
	if err != nil {
		unlock()
		d.running.Store(false)
		return "", nil, fmt.Errorf("run id: %w", err)
	}
	return runID, func() {
		unlock()
		d.running.Store(false)
	}, nil
}

func (d *Dispatcher) execute(ctx context.Context, runID string, settings crawler.CrawlSettings, release func()) RunResult {
	defer release()

	logger := d.logger.With(zap.String("run_id", runID))
	result := RunResult{RunID: runID, Started: d.clock.Now()}
	logger.Info("run started", zap.Int("sources", len(settings.Crawlers)))

	result.Sources = d.crawlAll(ctx, logger, settings)

	if d.stage != nil {
		summary, err := d.stage.Run(ctx)
		result.Translation = summary
		if err != nil {
			result.TranslationErr = err
			result.TranslationError = err.Error()
			logger.Error("translation pass failed", zap.Error(err))
		}
	}

	result.Finished = d.clock.Now()
	status := result.Status()
	metrics.ObserveRun(status)
	logger.Info("run finished",
		zap.String("status", status),
		zap.Int("persisted", result.Persisted()),
		zap.Int("translated", result.Translation.Translated),
		zap.Duration("duration", result.Finished.Sub(result.Started)),
	)

	d.mu.Lock()
	d.last = &result
	d.mu.Unlock()
	return result
}

// crawlAll launches one goroutine per source and waits for all of them.
// Results keep the configured source order.
func (d *Dispatcher) crawlAll(ctx context.Context, logger *zap.Logger, settings crawler.CrawlSettings) []crawler.SourceResult {
	c := d.factory(settings)
	results := make([]crawler.SourceResult, len(settings.Crawlers))
	var wg sync.WaitGroup
	for i, site := range settings.Crawlers {
		wg.Add(1)
		go func(i int, site crawler.SiteConfig) {
			defer wg.Done()
			results[i] = d.crawlOne(ctx, logger, c, site)
		}(i, site.WithDefaults())
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) crawlOne(ctx context.Context, logger *zap.Logger, c Crawler, site crawler.SiteConfig) (result crawler.SourceResult) {
	defer func() {
		if r := recover(); r != nil {
			result = crawler.SourceResult{Source: site.Source}
			result.SetErr(fmt.Errorf("crawler panic: %v", r))
			logger.Error("crawler panicked", zap.String("source", string(site.Source)), zap.Any("panic", r))
		}
	}()
	result = c.Crawl(ctx, site)
	if result.Source == "" {
		result.Source = site.Source
	}
	return result
}
