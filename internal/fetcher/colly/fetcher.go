// Package collyfetcher renders pages with a plain HTTP GET through gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
	// MaxBodyBytes truncates larger responses. Zero selects 8 MiB.
	MaxBodyBytes int
	Headers      http.Header
}

// Fetcher implements crawler.Renderer. Bodies are converted to UTF-8 using
// the response charset, or a detected one when the header names none.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is filled by the collector callbacks for one visit.
type page struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	c.WithTransport(transport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	return &Fetcher{cfg: cfg, base: c}
}

// Render fetches url and returns its UTF-8 body. Non-2xx responses are
// returned as *crawler.StatusError.
func (f *Fetcher) Render(ctx context.Context, url string) (string, error) {
	var p page
	c := f.collectorFor(url, &p)
	c.Context = ctx

	done := make(chan error, 1)
	go func() { done <- c.Visit(url) }()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch %s: %w", url, ctx.Err())
	case err := <-done:
		switch {
		case p.err != nil:
			return "", fmt.Errorf("fetch %s: %w", url, p.err)
		case err != nil:
			return "", fmt.Errorf("fetch %s: %w", url, err)
		}
	}
	return string(p.body), nil
}

// collectorFor clones the shared collector so callbacks stay per request.
func (f *Fetcher) collectorFor(url string, p *page) *colly.Collector {
	c := f.base.Clone()
	f.hook(c, url, p)
	return c
}

func (f *Fetcher) hook(hooks collectorHooks, url string, p *page) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		}
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		p.status = r.StatusCode
		p.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && (r.StatusCode < 200 || r.StatusCode > 299) {
			p.status = r.StatusCode
			p.err = &crawler.StatusError{URL: url, StatusCode: r.StatusCode}
			return
		}
		p.err = err
	})
}

func transport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
