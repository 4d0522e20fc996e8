package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

const (
	defaultArticleLimit = 50
	maxArticleLimit     = 500
	gatewayTimeout      = 3 * time.Second
)

// SourceHandler exposes read-only views over the configured sources and the
// record gateway.
type SourceHandler struct {
	gateway crawler.Gateway
	sites   map[crawler.Source]crawler.SiteConfig
	order   []crawler.Source
	timeout time.Duration
	logger  *zap.Logger
}

// NewSourceHandler wires the gateway and the configured sites.
func NewSourceHandler(gateway crawler.Gateway, sites []crawler.SiteConfig, logger *zap.Logger) *SourceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &SourceHandler{
		gateway: gateway,
		sites:   make(map[crawler.Source]crawler.SiteConfig, len(sites)),
		timeout: gatewayTimeout,
		logger:  logger,
	}
	for _, site := range sites {
		h.sites[site.Source] = site
		h.order = append(h.order, site.Source)
	}
	return h
}

// ListSources handles GET /v1/sources.
func (h *SourceHandler) ListSources(w http.ResponseWriter, _ *http.Request) {
	out := make([]sourceDTO, 0, len(h.order))
	for _, source := range h.order {
		out = append(out, toSourceDTO(h.sites[source]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// Watermark handles GET /v1/sources/{source}/watermark. It returns 404 for an
// unknown source and {"watermark": null} when nothing is stored yet.
func (h *SourceHandler) Watermark(w http.ResponseWriter, r *http.Request) {
	source := crawler.Source(chi.URLParam(r, "source"))
	if _, ok := h.sites[source]; !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if h.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "record gateway unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	prev, err := h.gateway.GetPrevious(ctx, source)
	if err != nil {
		h.handleGatewayError(w, "get watermark", err)
		return
	}
	if prev == nil {
		writeJSON(w, http.StatusOK, map[string]any{"source": source, "watermark": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "watermark": toWatermarkDTO(*prev)})
}

// Untranslated handles GET /v1/articles/untranslated?limit=&offset=.
func (h *SourceHandler) Untranslated(w http.ResponseWriter, r *http.Request) {
	if h.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "record gateway unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultArticleLimit, maxArticleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	records, err := h.gateway.GetUnTranslated(ctx)
	if err != nil {
		h.handleGatewayError(w, "get untranslated", err)
		return
	}
	total := len(records)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]watermarkDTO, 0, end-offset)
	for _, rec := range records[offset:end] {
		page = append(page, toWatermarkDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "articles": page})
}

func (h *SourceHandler) handleGatewayError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "gateway timeout")
		return
	}
	h.logger.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "gateway error")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type sourceDTO struct {
	Source      crawler.Source       `json:"source"`
	Kind        crawler.Kind         `json:"kind"`
	FeedURL     string               `json:"feed_url"`
	FeedFormat  crawler.FeedFormat   `json:"feed_format"`
	Renderer    crawler.RendererKind `json:"renderer"`
	MaxPages    int                  `json:"max_pages"`
	MaxItems    int                  `json:"max_items"`
	Parallelism int                  `json:"parallelism"`
	Language    string               `json:"language,omitempty"`
}

func toSourceDTO(site crawler.SiteConfig) sourceDTO {
	site = site.WithDefaults()
	return sourceDTO{
		Source:      site.Source,
		Kind:        site.Kind,
		FeedURL:     site.FeedURL,
		FeedFormat:  site.FeedFormat,
		Renderer:    site.Renderer,
		MaxPages:    site.PageLimit(),
		MaxItems:    site.MaxItems,
		Parallelism: site.Parallelism(),
		Language:    site.Language,
	}
}

type watermarkDTO struct {
	ID         int64          `json:"id"`
	Source     crawler.Source `json:"source"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Status     crawler.Status `json:"status"`
	IngestedAt *time.Time     `json:"ingested_at,omitempty"`
}

func toWatermarkDTO(rec crawler.ArticleRecord) watermarkDTO {
	return watermarkDTO{
		ID:         rec.ID,
		Source:     rec.Source,
		URL:        rec.URL,
		Title:      rec.Title,
		Status:     rec.Status,
		IngestedAt: rec.IngestedAt,
	}
}
