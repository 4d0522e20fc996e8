// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// CommitHook runs before a sub-batch commits; returning an error aborts it.
type CommitHook func(chunkIndex int, chunk []crawler.ArticleRecord) error

// ArticleStore implements crawler.Gateway in memory.
type ArticleStore struct {
	mu      sync.RWMutex
	records []crawler.ArticleRecord
	nextID  int64
	clock   crawler.Clock
	hook    CommitHook
	batches int
}

// NewArticleStore constructs an ArticleStore. A nil clock uses time.Now.
func NewArticleStore(clock crawler.Clock) *ArticleStore {
	return &ArticleStore{clock: clock, nextID: 1}
}

// SetCommitHook installs a hook used to simulate failures between sub-batches.
func (s *ArticleStore) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// GetPrevious returns the highest-ID record for source, or nil.
func (s *ArticleStore) GetPrevious(_ context.Context, source crawler.Source) (*crawler.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Source == source {
			rec := s.records[i].Clone()
			return &rec, nil
		}
	}
	return nil, nil
}

// GetUnTranslated returns untranslated records oldest first.
func (s *ArticleStore) GetUnTranslated(_ context.Context) ([]crawler.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ArticleRecord, 0)
	for _, rec := range s.records {
		if !rec.Translated {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PersistBatch appends records tail-first, one sub-batch at a time.
func (s *ArticleStore) PersistBatch(ctx context.Context, records []crawler.ArticleRecord, source crawler.Source) error {
	if err := crawler.CheckBatch(records, source); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	chunkIndex := 0
	return crawler.PersistTailFirst(records, crawler.SubBatchSize, func(chunk []crawler.ArticleRecord) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("persist batch: %w", err)
		}
		if s.hook != nil {
			if err := s.hook(chunkIndex, chunk); err != nil {
				return fmt.Errorf("commit sub-batch %d: %w", chunkIndex, err)
			}
		}
		staged := make([]crawler.ArticleRecord, 0, len(chunk))
		id := s.nextID
		for _, rec := range chunk {
			stored := rec.Clone()
			stored.ID = id
			id++
			now := s.now()
			stored.IngestedAt = &now
			staged = append(staged, stored)
		}
		s.records = append(s.records, staged...)
		s.nextID = id
		chunkIndex++
		return nil
	})
}

// PersistTranslation stores translated fields for an existing record.
func (s *ArticleStore) PersistTranslation(_ context.Context, record crawler.ArticleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(record.ID)
	if idx < 0 {
		return fmt.Errorf("persist translation %d: %w", record.ID, crawler.ErrRecordNotFound)
	}
	stored := &s.records[idx]
	if stored.Status != crawler.StatusTranslationCompleted {
		if err := stored.Transition(crawler.StatusTranslationCompleted); err != nil {
			return fmt.Errorf("persist translation %d: %w", record.ID, err)
		}
	}
	stored.Translated = true
	stored.TranslatedTitle = record.TranslatedTitle
	stored.TranslatedSummary = record.TranslatedSummary
	stored.TranslatedContent = record.TranslatedContent
	stored.Notes = record.Notes
	return nil
}

// UpdateStatus records a status change with a note.
func (s *ArticleStore) UpdateStatus(_ context.Context, id int64, status crawler.Status, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("update status %d: %w", id, crawler.ErrRecordNotFound)
	}
	if err := s.records[idx].Transition(status); err != nil {
		return fmt.Errorf("update status %d: %w", id, err)
	}
	s.records[idx].Notes = notes
	return nil
}

// All returns a copy of every stored record in ID order.
func (s *ArticleStore) All() []crawler.ArticleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ArticleRecord, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

// BatchCalls reports how many PersistBatch calls were received.
func (s *ArticleStore) BatchCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}

func (s *ArticleStore) indexOf(id int64) int {
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].ID >= id })
	if i < len(s.records) && s.records[i].ID == id {
		return i
	}
	return -1
}

func (s *ArticleStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
