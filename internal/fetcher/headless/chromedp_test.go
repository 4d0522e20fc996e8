package headless

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)
	_, err = NewChromedp(Config{DomainQPS: -1})
	require.Error(t, err)

	renderer, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer renderer.Close()
	require.NotNil(t, renderer.slots)
	require.Nil(t, renderer.pacer)
	require.Equal(t, 45*time.Second, renderer.cfg.NavigationTimeout)

	paced, err := NewChromedp(Config{DomainQPS: 0.5})
	require.NoError(t, err)
	defer paced.Close()
	require.NotNil(t, paced.pacer)
	require.Nil(t, paced.slots)
	require.NoError(t, paced.acquire(context.Background()))
	paced.release()
}

func TestRendererNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	renderer := &Renderer{}
	require.Equal(t, 45*time.Second, renderer.navTimeout())
	renderer.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, renderer.navTimeout())
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	renderer := &Renderer{slots: semaphore.NewWeighted(1)}
	require.NoError(t, renderer.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, renderer.acquire(ctx), context.Canceled)

	renderer.release()
	require.NoError(t, renderer.acquire(context.Background()))
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"c"}, "X-None": {}})
	require.Equal(t, "a, b", headers["X-Test"])
	require.Equal(t, "c", headers["X-One"])
	require.NotContains(t, headers, "X-None")
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})
	require.Zero(t, meta.statusCode())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403, URL: "https://example.com"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/frame"},
	})
	require.Equal(t, 403, meta.statusCode())
}

func TestDisabledRenderer(t *testing.T) {
	t.Parallel()

	_, err := NewDisabled().Render(context.Background(), "https://example.com")
	require.ErrorIs(t, err, crawler.ErrRendererDisabled)
}

const viewSourceOutput = `"<html><head></head><body><div class=\"line-gutter-backdrop\"></div>` +
	`<form autocomplete=\"off\"><label class=\"line-wrap-control\">Line wrap<input type=\"checkbox\"></label></form>` +
	`<table><tbody>` +
	`<tr><td class=\"line-number\" value=\"1\"></td><td class=\"line-content\"><span class=\"html-tag\">&lt;html&gt;</span></td></tr>` +
	`<tr><td class=\"line-number\" value=\"2\"></td><td class=\"line-content\"><span class=\"html-tag\">&lt;p class=\"lede\"&gt;</span>Fish &amp;amp; chips é<span class=\"html-tag\">&lt;/p&gt;</span></td></tr>` +
	`</tbody></table></body></html>"`

func TestNormalizeViewSource(t *testing.T) {
	t.Parallel()

	got := Normalize(viewSourceOutput)
	require.Equal(t, "<html>\n<p class=\"lede\">Fish &amp; chips é</p>", got)
	require.NotContains(t, got, "line-content")
	require.NotContains(t, got, "<span")
	require.NotContains(t, got, "Line wrap")
}

func TestNormalizeViewSourceWithoutLineCells(t *testing.T) {
	t.Parallel()

	raw := `"<body><div class=\"line-gutter-backdrop\"></div><pre>Line wrap &lt;b&gt;bold&lt;/b&gt;</pre></body>"`
	require.Equal(t, "<b>bold</b>", Normalize(raw))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		viewSourceOutput,
		`"<html><body><p class=\"x\">Hi\nthere<\/p></body></html>"`,
		`<html><body>plain</body></html>`,
	} {
		once := Normalize(raw)
		require.Equal(t, once, Normalize(once), raw)
	}
}

func TestNormalizeLiveDocument(t *testing.T) {
	t.Parallel()

	got := Normalize(`"<html><body><p class=\"x\">Hi\n\tthere<\/p></body></html>"`)
	require.Equal(t, "<html><body><p class=\"x\">Hi\n\tthere</p></body></html>", got)
	require.False(t, strings.HasPrefix(got, `"`))
}

func TestUnescape(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a\"b\\c/dé\\x", unescape(`a\"b\\c\/dé\x`))
	require.Equal(t, `tail\`, unescape(`tail\`))
	require.Equal(t, `\u12`, unescape(`\u12`))
	require.Equal(t, "smile \U0001F600!", unescape(`smile \ud83d\ude00!`))
	require.Equal(t, "\uFFFDx", unescape(`\ud83dx`))
	require.Equal(t, "<p>smile \U0001F600</p>", Normalize(`"<p>smile \ud83d\ude00</p>"`))
}
