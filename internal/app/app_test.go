package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/app"
	"github.com/JakeFAU/newsdesk-crawler/internal/config"
	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/memory"
)

type stubSite map[string]string

func (s stubSite) Render(_ context.Context, url string) (string, error) {
	body, ok := s[url]
	if !ok {
		return "", &crawler.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return body, nil
}

func testConfig() config.Config {
	return config.Config{
		Server:      config.ServerConfig{Port: 8080},
		Storage:     config.StorageConfig{Gateway: "memory", Archive: "memory", Prefix: "raw"},
		Translation: config.TranslationConfig{TargetLanguage: "en"},
		Lock:        config.LockConfig{Key: "newsdesk:run", TTLMinutes: 10},
		Crawl:       config.CrawlConfig{HTTPErrorRetry: 1},
		Crawlers: []crawler.SiteConfig{{
			Source:               "wire",
			FeedURL:              "https://wire.example/list?page={page}",
			FeedItemLinkSelector: "//a/@href",
			FeedStartPageIndex:   1,
			Language:             "en",
			Selectors:            crawler.Selectors{Title: "//h1", Content: "//p"},
		}},
	}
}

func site() stubSite {
	s := stubSite{
		"https://wire.example/list?page=2": "<html><body></body></html>",
	}
	list := "<html><body>"
	for id := 3; id >= 1; id-- {
		url := fmt.Sprintf("https://wire.example/story/%d", id)
		list += fmt.Sprintf(`<a href="%s">%d</a>`, url, id)
		s[url] = fmt.Sprintf("<html><body><h1>Story %d</h1><p>Text %d</p></body></html>", id, id)
	}
	s["https://wire.example/list?page=1"] = list + "</body></html>"
	return s
}

func TestNewRunsEndToEnd(t *testing.T) {
	t.Parallel()

	store := memory.NewArticleStore(nil)
	a, err := app.New(context.Background(), testConfig(), zap.NewNop(),
		app.WithGateway(store),
		app.WithDirectRenderer(site()),
	)
	require.NoError(t, err)
	defer a.Close(context.Background())

	result, err := a.Dispatcher().Run(context.Background(), a.Config().CrawlSettings())
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	require.NoError(t, result.Sources[0].Err)
	require.Equal(t, 3, result.Sources[0].Persisted)
	require.Equal(t, 3, result.Translation.Translated)

	for _, rec := range store.All() {
		require.True(t, rec.Translated)
		require.Equal(t, rec.Title, rec.TranslatedTitle)
	}
	require.NoError(t, a.Ready(context.Background()))
	require.Same(t, store, a.Gateway())
}

func TestAPIServerServesProbes(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), nil, app.WithDirectRenderer(site()))
	require.NoError(t, err)
	defer a.Close(context.Background())

	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "wire")
}

func TestNewRejectsBadWiring(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*config.Config){
		"gateway":     func(c *config.Config) { c.Storage.Gateway = "sqlite" },
		"archive":     func(c *config.Config) { c.Storage.Archive = "s3" },
		"local dir":   func(c *config.Config) { c.Storage.Archive = "local" },
		"translation": func(c *config.Config) { c.Translation.Enabled = true },
		"headless":    func(c *config.Config) { c.Headless = config.HeadlessConfig{Enabled: true, MaxParallel: -1} },
	}
	for name, mutate := range cases {
		cfg := testConfig()
		mutate(&cfg)
		_, err := app.New(context.Background(), cfg, nil, app.WithDirectRenderer(site()))
		require.Error(t, err, name)
	}
}
