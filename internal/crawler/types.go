package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Length limits enforced on bounded record fields.
const (
	MaxURLLength   = 2048
	MaxImageLength = 2048
)

// Source identifies the configured feed that produced a record.
type Source string

// Status represents the lifecycle state of an ArticleRecord.
type Status string

// Record lifecycle values.
const (
	StatusCreatedSummary       Status = "created_summary"
	StatusCrawlingCompleted    Status = "crawling_completed"
	StatusCrawlingFailed       Status = "crawling_failed"
	StatusTranslationCompleted Status = "translation_completed"
	StatusTranslationFailed    Status = "translation_failed"
)

var statusEdges = map[Status][]Status{
	StatusCreatedSummary:    {StatusCrawlingCompleted, StatusCrawlingFailed},
	StatusCrawlingCompleted: {StatusTranslationCompleted, StatusTranslationFailed},
}

// Valid reports whether s is a known lifecycle value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreatedSummary, StatusCrawlingCompleted, StatusCrawlingFailed,
		StatusTranslationCompleted, StatusTranslationFailed:
		return true
	}
	return false
}

// CanTransition reports whether next directly follows s in the lifecycle.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range statusEdges[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses that may transition directly to s.
func (s Status) Predecessors() []Status {
	var out []Status
	for from, nexts := range statusEdges {
		for _, n := range nexts {
			if n == s {
				out = append(out, from)
			}
		}
	}
	return out
}

// ArticleRecord is one crawled unit. Storage mapping lives in the gateways.
type ArticleRecord struct {
	ID         int64      `json:"id"`
	Source     Source     `json:"source"`
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Authors    string     `json:"authors"`
	Keywords   string     `json:"keywords"`
	Image      string     `json:"image"`
	Summary    string     `json:"summary"`
	Content    string     `json:"content"`
	Published  *time.Time `json:"published,omitempty"`
	IngestedAt *time.Time `json:"ingested_at,omitempty"`
	Translated bool       `json:"translated"`
	Status     Status     `json:"status"`
	Notes      string     `json:"notes"`

	TranslatedTitle   string `json:"translated_title,omitempty"`
	TranslatedSummary string `json:"translated_summary,omitempty"`
	TranslatedContent string `json:"translated_content,omitempty"`
}

// Transition moves the record to next, enforcing the lifecycle edges.
func (r *ArticleRecord) Transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// AddNote appends a diagnostic note.
func (r *ArticleRecord) AddNote(format string, args ...any) {
	note := fmt.Sprintf(format, args...)
	if r.Notes == "" {
		r.Notes = note
		return
	}
	r.Notes = r.Notes + "; " + note
}

// Validate checks the bounded fields before a write.
func (r ArticleRecord) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("record url is required")
	}
	if len(r.URL) > MaxURLLength {
		return fmt.Errorf("record url exceeds %d characters", MaxURLLength)
	}
	if len(r.Image) > MaxImageLength {
		return fmt.Errorf("record image exceeds %d characters", MaxImageLength)
	}
	if r.Source == "" {
		return fmt.Errorf("record source is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record status %q is not a lifecycle value", r.Status)
	}
	return nil
}

// Clone returns a deep copy so stores never share pointers with callers.
func (r ArticleRecord) Clone() ArticleRecord {
	out := r
	if r.Published != nil {
		p := *r.Published
		out.Published = &p
	}
	if r.IngestedAt != nil {
		i := *r.IngestedAt
		out.IngestedAt = &i
	}
	return out
}

// ItemFailure describes an item skipped after its fetch budget ran out or
// its processing panicked.
type ItemFailure struct {
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
	Note     string `json:"note"`
}

// StopReason explains why a site crawl loop ended.
type StopReason string

// Stop reasons reported per source.
const (
	StopEmptyPage  StopReason = "empty_page"
	StopPageLimit  StopReason = "page_limit"
	StopItemLimit  StopReason = "item_limit"
	StopWatermark  StopReason = "watermark"
	StopCanceled   StopReason = "canceled"
	StopListFailed StopReason = "list_failed"
)

// SourceResult summarizes one site crawl for the orchestrator's report.
type SourceResult struct {
	Source    Source        `json:"source"`
	Pages     int           `json:"pages"`
	Persisted int           `json:"persisted"`
	Failed    int           `json:"failed_records"`
	Skipped   []ItemFailure `json:"skipped,omitempty"`
	Stopped   StopReason    `json:"stopped"`
	Err       error         `json:"-"`
	ErrText   string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the source finished without a source-level error.
func (r SourceResult) Succeeded() bool {
	return r.Err == nil
}

// SetErr records a source-level failure.
func (r *SourceResult) SetErr(err error) {
	r.Err = err
	if err != nil {
		r.ErrText = err.Error()
	}
}
