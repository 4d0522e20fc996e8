// Package headless contains renderers that execute JavaScript via browsers.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/policy/ratelimit"
)

const (
	viewSourcePrefix  = "view-source:"
	defaultNavTimeout = 45 * time.Second
)

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// DomainQPS throttles navigations per host. Zero disables throttling.
	DomainQPS float64
	// ViewSource loads pages through the browser's source viewer so the
	// served markup is returned instead of the live DOM.
	ViewSource bool
	Headers    http.Header
}

// Renderer implements crawler.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	slots       *semaphore.Weighted
	pacer       *ratelimit.Limiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless renderer. Chrome itself starts lazily on
// the first Render.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("headless.max_parallel must be >= 0")
	}
	if cfg.DomainQPS < 0 {
		return nil, fmt.Errorf("headless.domain_qps must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	r := &Renderer{cfg: cfg}
	if cfg.MaxParallel > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	if cfg.DomainQPS > 0 {
		r.pacer = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.DomainQPS, DefaultBurst: 1})
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	r.allocator, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render loads rawURL in a fresh tab and returns the normalized document.
// A 4xx or 5xx main document is reported as *crawler.StatusError.
func (r *Renderer) Render(ctx context.Context, rawURL string) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", err
	}
	defer r.release()

	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, rawURL); err != nil {
			return "", fmt.Errorf("render pacing: %w", err)
		}
	}

	tabCtx, closeTab := chromedp.NewContext(r.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout())
	defer cancel()
	// The tab hangs off the allocator, not ctx, so cancellation is bridged.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	raw, err := r.runHeadless(tabCtx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("render %s: %w", rawURL, ctx.Err())
		}
		return "", err
	}
	if status := meta.statusCode(); status >= http.StatusBadRequest {
		return "", &crawler.StatusError{URL: rawURL, StatusCode: status}
	}
	return Normalize(string(raw)), nil
}

// runHeadless serializes the document through the page's script context, so
// the result arrives as a JSON-quoted string that Normalize unwraps.
func (r *Renderer) runHeadless(ctx context.Context, rawURL string) ([]byte, error) {
	target := rawURL
	if r.cfg.ViewSource {
		target = viewSourcePrefix + rawURL
	}
	var raw []byte
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Evaluate("document.documentElement.outerHTML", &raw),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return raw, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(r.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(r.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for browser tab: %w", err)
	}
	return nil
}

func (r *Renderer) release() {
	if r.slots != nil {
		r.slots.Release(1)
	}
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// redirects and view-source subresources report later; the first document wins
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) statusCode() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// toNetworkHeaders folds repeated values into one comma-separated value, as
// the DevTools protocol expects a single string per header.
func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			headers[key] = strings.Join(values, ", ")
		}
	}
	return headers
}
