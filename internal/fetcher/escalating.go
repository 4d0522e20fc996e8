// Package fetcher composes the direct and browser renderers.
package fetcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
)

// Renderer names used in metrics and logs.
const (
	RendererDirect  = "direct"
	RendererBrowser = "browser"
)

// Escalating renders directly first and falls back to the browser when the
// site blocks plain clients or serves a script shell.
type Escalating struct {
	direct   crawler.Renderer
	browser  crawler.Renderer
	detector crawler.HeadlessDetector
	logger   *zap.Logger
}

// NewEscalating wires the two strategies. A nil detector only escalates on
// blocked statuses.
func NewEscalating(direct, browser crawler.Renderer, detector crawler.HeadlessDetector, logger *zap.Logger) *Escalating {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalating{direct: direct, browser: browser, detector: detector, logger: logger}
}

// Render implements crawler.Renderer.
func (e *Escalating) Render(ctx context.Context, url string) (string, error) {
	body, err := e.direct.Render(ctx, url)
	metrics.ObserveRender(RendererDirect, err)
	if err == nil {
		if e.detector == nil || !e.detector.ShouldPromote(200, []byte(body)) {
			return body, nil
		}
		e.logger.Debug("promoting to browser", zap.String("url", url), zap.String("reason", "script shell"))
		return e.renderBrowser(ctx, url, body)
	}

	var statusErr *crawler.StatusError
	if !errors.As(err, &statusErr) || !statusErr.Blocked() {
		return "", err
	}
	e.logger.Debug("promoting to browser",
		zap.String("url", url),
		zap.String("reason", "blocked"),
		zap.Int("status", statusErr.StatusCode),
	)
	return e.renderBrowser(ctx, url, "")
}

// renderBrowser falls back to the direct body when the browser is disabled.
func (e *Escalating) renderBrowser(ctx context.Context, url, directBody string) (string, error) {
	body, err := e.browser.Render(ctx, url)
	metrics.ObserveRender(RendererBrowser, err)
	if errors.Is(err, crawler.ErrRendererDisabled) && directBody != "" {
		return directBody, nil
	}
	return body, err
}

// Select returns the renderer for a site's configured strategy.
func Select(kind crawler.RendererKind, direct, browser, auto crawler.Renderer) crawler.Renderer {
	switch kind {
	case crawler.RendererBrowser:
		return observed{name: RendererBrowser, next: browser}
	case crawler.RendererAuto:
		return auto
	default:
		return observed{name: RendererDirect, next: direct}
	}
}

type observed struct {
	name string
	next crawler.Renderer
}

func (o observed) Render(ctx context.Context, url string) (string, error) {
	body, err := o.next.Render(ctx, url)
	metrics.ObserveRender(o.name, err)
	return body, err
}
