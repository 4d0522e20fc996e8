// Package ratelimit paces fetches against each news host with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
)

// Config holds rate limiter configuration. HostRPS overrides DefaultRPS for
// individual hosts; keys are matched after lower-casing and stripping "www.".
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	HostRPS      map[string]float64
}

// Limiter keeps one bucket per host, created on first use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rates   map[string]rate.Limit
	def     rate.Limit
	burst   int
}

// New creates a Limiter. A non-positive rate leaves that host unthrottled.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	rates := make(map[string]rate.Limit, len(cfg.HostRPS))
	for host, rps := range cfg.HostRPS {
		rates[canonicalHost(host)] = limitOf(rps)
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rates:   rates,
		def:     limitOf(cfg.DefaultRPS),
		burst:   burst,
	}
}

// Wait blocks until the URL's host may be fetched again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	bucket := l.bucket(host)
	if bucket.Limit() == rate.Inf {
		return nil
	}

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts returns the number of hosts seen so far.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		r, override := l.rates[host]
		if !override {
			r = l.def
		}
		b = rate.NewLimiter(r, l.burst)
		l.buckets[host] = b
	}
	return b
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return canonicalHost(u.Hostname())
}

func canonicalHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
