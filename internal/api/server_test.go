package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/dispatcher"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/memory"
)

type fakeRunner struct {
	mu      sync.Mutex
	running bool
	started []crawler.CrawlSettings
	last    *dispatcher.RunResult
	err     error
}

func (f *fakeRunner) Start(_ context.Context, settings crawler.CrawlSettings) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.running {
		return "", crawler.ErrAlreadyRunning
	}
	f.running = true
	f.started = append(f.started, settings)
	return "run-1", nil
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) Last() (dispatcher.RunResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return dispatcher.RunResult{}, false
	}
	return *f.last, true
}

func testSettings() crawler.CrawlSettings {
	return crawler.CrawlSettings{Crawlers: []crawler.SiteConfig{
		{Source: "diario", FeedURL: "https://diario.example/?p={page}", FeedItemLinkSelector: "//a/@href", Language: "es"},
		{Source: "wire", FeedURL: "https://wire.example/rss", FeedFormat: crawler.FeedRSS, MaxDegreeOfParallelism: 4},
	}}
}

func newTestServer(runner Runner, gateway crawler.Gateway, cfg Config) *Server {
	return NewServer(runner, gateway, testSettings(), nil, cfg, zap.NewNop())
}

func serve(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(nil))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, nil, Config{})
	rec := serve(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	notReady := NewServer(&fakeRunner{}, nil, testSettings(), func(context.Context) error {
		return errors.New("postgres unreachable")
	}, Config{}, nil)
	rec = serve(notReady, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "postgres unreachable")
}

func TestServer_StartRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := newTestServer(runner, nil, Config{})

	rec := serve(s, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "run-1")
	require.Len(t, runner.started, 1)
	require.Len(t, runner.started[0].Crawlers, 2)

	rec = serve(s, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	broken := newTestServer(&fakeRunner{err: errors.New("redis down")}, nil, Config{})
	rec = serve(broken, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_LastRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s := newTestServer(runner, nil, Config{})
	rec := serve(s, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	runner.last = &dispatcher.RunResult{
		RunID:   "run-9",
		Sources: []crawler.SourceResult{{Source: "wire", Persisted: 3, Stopped: crawler.StopEmptyPage}},
	}
	rec = serve(s, http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Result struct {
			RunID   string `json:"run_id"`
			Sources []struct {
				Persisted int `json:"persisted"`
			} `json:"sources"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, dispatcher.StatusSucceeded, body.Status)
	require.Equal(t, "run-9", body.Result.RunID)
	require.Equal(t, 3, body.Result.Sources[0].Persisted)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, nil, Config{APIKey: "secret"})
	for name, tc := range map[string]struct {
		target string
		header http.Header
		want   int
	}{
		"missing":      {"/v1/sources", nil, http.StatusUnauthorized},
		"wrong":        {"/v1/sources", http.Header{"X-Api-Key": {"guess"}}, http.StatusUnauthorized},
		"query string": {"/v1/sources?api_key=secret", nil, http.StatusUnauthorized},
		"header":       {"/v1/sources", http.Header{"X-Api-Key": {"secret"}}, http.StatusOK},
		"bearer":       {"/v1/sources", http.Header{"Authorization": {"Bearer secret"}}, http.StatusOK},
		"open probe":   {"/healthz", nil, http.StatusOK},
	} {
		rec := serve(s, http.MethodGet, tc.target, tc.header)
		require.Equal(t, tc.want, rec.Code, name)
	}
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, nil, Config{})
	rec := serve(s, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"trace-123"}})
	require.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))

	rec = serve(s, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {strings.Repeat("x", 200)}})
	require.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestSources_ListAndWatermark(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewArticleStore(fixedClock{now: now})
	require.NoError(t, store.PersistBatch(context.Background(), []crawler.ArticleRecord{
		{Source: "diario", URL: "https://diario.example/2", Title: "Dos", Status: crawler.StatusCrawlingCompleted},
		{Source: "diario", URL: "https://diario.example/1", Title: "Uno", Status: crawler.StatusCrawlingCompleted},
	}, "diario"))
	s := newTestServer(&fakeRunner{}, store, Config{})

	rec := serve(s, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sources []sourceDTO `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sources, 2)
	require.Equal(t, crawler.Source("diario"), list.Sources[0].Source)
	require.Equal(t, crawler.DefaultMaxPages, list.Sources[0].MaxPages)
	require.Equal(t, 4, list.Sources[1].Parallelism)

	rec = serve(s, http.MethodGet, "/v1/sources/diario/watermark", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://diario.example/2")

	rec = serve(s, http.MethodGet, "/v1/sources/wire/watermark", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"watermark":null`)

	rec = serve(s, http.MethodGet, "/v1/sources/unknown/watermark", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSources_Untranslated(t *testing.T) {
	t.Parallel()

	store := memory.NewArticleStore(nil)
	recs := make([]crawler.ArticleRecord, 0, 3)
	for _, u := range []string{"https://wire.example/c", "https://wire.example/b", "https://wire.example/a"} {
		recs = append(recs, crawler.ArticleRecord{Source: "wire", URL: u, Status: crawler.StatusCrawlingCompleted})
	}
	require.NoError(t, store.PersistBatch(context.Background(), recs, "wire"))
	s := newTestServer(&fakeRunner{}, store, Config{})

	rec := serve(s, http.MethodGet, "/v1/articles/untranslated?limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total    int            `json:"total"`
		Articles []watermarkDTO `json:"articles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.Len(t, body.Articles, 2)
	require.Equal(t, int64(2), body.Articles[0].ID)

	rec = serve(s, http.MethodGet, "/v1/articles/untranslated?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/articles/untranslated?offset=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"articles":[]`)
}

type failingGateway struct {
	*memory.ArticleStore
	err error
}

func (f failingGateway) GetPrevious(context.Context, crawler.Source) (*crawler.ArticleRecord, error) {
	return nil, f.err
}

func TestSources_GatewayErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeRunner{}, failingGateway{ArticleStore: memory.NewArticleStore(nil), err: errors.New("boom")}, Config{})
	rec := serve(s, http.MethodGet, "/v1/sources/diario/watermark", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	s = newTestServer(&fakeRunner{}, failingGateway{ArticleStore: memory.NewArticleStore(nil), err: context.DeadlineExceeded}, Config{})
	rec = serve(s, http.MethodGet, "/v1/sources/diario/watermark", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	s = newTestServer(&fakeRunner{}, nil, Config{})
	rec = serve(s, http.MethodGet, "/v1/sources/diario/watermark", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseLimitOffset(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/?limit=9999&offset=3", nil)
	limit, offset, err := parseLimitOffset(req, 10, 100)
	require.NoError(t, err)
	require.Equal(t, 100, limit)
	require.Equal(t, 3, offset)

	req = httptest.NewRequest(http.MethodGet, "/?offset=-1", nil)
	_, _, err = parseLimitOffset(req, 10, 100)
	require.Error(t, err)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
