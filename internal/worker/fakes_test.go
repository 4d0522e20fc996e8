package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

var errUnreachable = errors.New("connection refused")

// fakeSite serves list and detail pages from memory and counts calls per URL.
type fakeSite struct {
	mu          sync.Mutex
	pages       map[string]string
	failures    map[string]int
	broken      map[string]bool
	calls       map[string]int
	delay       time.Duration
	inflight    int
	maxInflight int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		pages:    map[string]string{},
		failures: map[string]int{},
		broken:   map[string]bool{},
		calls:    map[string]int{},
	}
}

func (s *fakeSite) Render(ctx context.Context, url string) (string, error) {
	s.mu.Lock()
	s.calls[url]++
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		if err := crawler.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken[url] {
		return "", errUnreachable
	}
	if s.failures[url] > 0 {
		s.failures[url]--
		return "", &crawler.StatusError{URL: url, StatusCode: 503}
	}
	body, ok := s.pages[url]
	if !ok {
		return "", &crawler.StatusError{URL: url, StatusCode: 404}
	}
	return body, nil
}

func (s *fakeSite) callsFor(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

// list publishes a list page linking to the given item ids, newest first.
func (s *fakeSite) list(pageURL, host string, ids ...int) {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<li><a class="story" href="https://%s/news/%d">Story %d</a></li>`, host, id, id)
	}
	b.WriteString("</ul></body></html>")
	s.mu.Lock()
	s.pages[pageURL] = b.String()
	s.mu.Unlock()
}

func (s *fakeSite) article(host string, id int) string {
	url := fmt.Sprintf("https://%s/news/%d", host, id)
	s.mu.Lock()
	s.pages[url] = fmt.Sprintf(`<html><body><h1>Story %d</h1><div class="body"><p>Body of story %d.</p></div></body></html>`, id, id)
	s.mu.Unlock()
	return url
}

func (s *fakeSite) set(url, body string) {
	s.mu.Lock()
	s.pages[url] = body
	s.mu.Unlock()
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetPrevious(ctx context.Context, source crawler.Source) (*crawler.ArticleRecord, error) {
	args := m.Called(ctx, source)
	rec, _ := args.Get(0).(*crawler.ArticleRecord)
	return rec, args.Error(1)
}

func (m *mockGateway) GetUnTranslated(ctx context.Context) ([]crawler.ArticleRecord, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).([]crawler.ArticleRecord)
	return recs, args.Error(1)
}

func (m *mockGateway) PersistBatch(ctx context.Context, records []crawler.ArticleRecord, source crawler.Source) error {
	args := m.Called(ctx, records, source)
	return args.Error(0)
}

func (m *mockGateway) PersistTranslation(ctx context.Context, record crawler.ArticleRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockGateway) UpdateStatus(ctx context.Context, id int64, status crawler.Status, notes string) error {
	args := m.Called(ctx, id, status, notes)
	return args.Error(0)
}
