package crawler

import (
	"context"
	"io"
	"time"
)

// Renderer turns a URL into usable document text.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Extractor pulls item links and record fields out of rendered documents.
type Extractor interface {
	ItemLinks(site SiteConfig, pageURL string, body string) ([]string, error)
	Record(site SiteConfig, pageURL string, body string) ArticleRecord
}

// Gateway is the storage-agnostic persistence contract.
type Gateway interface {
	// GetPrevious returns the highest-ID record for source, or nil.
	GetPrevious(ctx context.Context, source Source) (*ArticleRecord, error)
	// GetUnTranslated returns records with Translated == false in ascending ID order.
	GetUnTranslated(ctx context.Context) ([]ArticleRecord, error)
	// PersistBatch writes records tail-first in committed sub-batches.
	PersistBatch(ctx context.Context, records []ArticleRecord, source Source) error
	// PersistTranslation stores translated fields and marks the record translated.
	PersistTranslation(ctx context.Context, record ArticleRecord) error
	// UpdateStatus records a lifecycle change with a note.
	UpdateStatus(ctx context.Context, id int64, status Status, notes string) error
}

// Translator converts text between languages.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker guards a run across processes. Acquire returns ErrAlreadyRunning when held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// HeadlessDetector decides whether a direct body needs a browser render.
type HeadlessDetector interface {
	ShouldPromote(statusCode int, body []byte) bool
}

// Hasher computes digests for content-addressed archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
