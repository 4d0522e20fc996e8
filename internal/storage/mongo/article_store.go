// Package mongo provides a MongoDB-backed persistence gateway.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// Config captures connection and collection names.
type Config struct {
	URI        string
	Database   string
	Collection string
}

const countersCollection = "counters"

// ArticleStore implements crawler.Gateway on a MongoDB collection. Ids come
// from a counter document so they grow in write order like a bigserial.
type ArticleStore struct {
	client   *mongo.Client
	articles *mongo.Collection
	counters *mongo.Collection
	clock    crawler.Clock
	logger   *zap.Logger
}

type articleDocument struct {
	ID                int64      `bson:"_id"`
	Source            string     `bson:"source"`
	URL               string     `bson:"url"`
	Title             string     `bson:"title"`
	Authors           string     `bson:"authors"`
	Keywords          string     `bson:"keywords"`
	Image             string     `bson:"image"`
	Summary           string     `bson:"summary"`
	Content           string     `bson:"content"`
	Published         *time.Time `bson:"published,omitempty"`
	IngestedAt        *time.Time `bson:"ingested_at,omitempty"`
	Translated        bool       `bson:"translated"`
	Status            string     `bson:"status"`
	Notes             string     `bson:"notes"`
	TranslatedTitle   string     `bson:"translated_title,omitempty"`
	TranslatedSummary string     `bson:"translated_summary,omitempty"`
	TranslatedContent string     `bson:"translated_content,omitempty"`
}

type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// New connects to MongoDB and prepares indexes.
func New(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*ArticleStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo.database is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "articles"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(cfg.Database)
	s := newWithCollections(db.Collection(cfg.Collection), db.Collection(countersCollection), clock, logger)
	if err := s.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// newWithCollections builds a store on already opened collections that share
// one client.
func newWithCollections(articles, counters *mongo.Collection, clock crawler.Clock, logger *zap.Logger) *ArticleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArticleStore{
		client:   articles.Database().Client(),
		articles: articles,
		counters: counters,
		clock:    clock,
		logger:   logger.Named("mongo"),
	}
}

func (s *ArticleStore) createIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "source", Value: 1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "translated", Value: 1}, {Key: "_id", Value: 1}}},
	}
	if _, err := s.articles.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *ArticleStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (s *ArticleStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// GetPrevious returns the highest-ID record for source, or nil.
func (s *ArticleStore) GetPrevious(ctx context.Context, source crawler.Source) (*crawler.ArticleRecord, error) {
	var doc articleDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
	err := s.articles.FindOne(ctx, bson.M{"source": string(source)}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find previous for %s: %w", source, err)
	}
	rec := fromDocument(doc)
	return &rec, nil
}

// GetUnTranslated returns untranslated records oldest first.
func (s *ArticleStore) GetUnTranslated(ctx context.Context) ([]crawler.ArticleRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.articles.Find(ctx, bson.M{"translated": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("find untranslated: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]crawler.ArticleRecord, 0)
	for cursor.Next(ctx) {
		var doc articleDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode untranslated: %w", err)
		}
		out = append(out, fromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate untranslated: %w", err)
	}
	return out, nil
}

// PersistBatch inserts records tail-first with one ordered InsertMany per
// sub-batch. An ordered insert stops at its first failure, so the durable
// set stays a contiguous tail of records.
func (s *ArticleStore) PersistBatch(ctx context.Context, records []crawler.ArticleRecord, source crawler.Source) error {
	if err := crawler.CheckBatch(records, source); err != nil {
		return err
	}
	return crawler.PersistTailFirst(records, crawler.SubBatchSize, func(chunk []crawler.ArticleRecord) error {
		first, err := s.allocateIDs(ctx, len(chunk))
		if err != nil {
			return err
		}
		docs := make([]any, 0, len(chunk))
		for i, rec := range chunk {
			rec.ID = first + int64(i)
			now := s.now()
			rec.IngestedAt = &now
			rec.Translated = false
			docs = append(docs, toDocument(rec))
		}
		if _, err := s.articles.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
			s.logger.Error("insert sub-batch failed", zap.String("source", string(source)), zap.Error(err))
			return fmt.Errorf("insert sub-batch: %w", err)
		}
		return nil
	})
}

// PersistTranslation stores translated fields for an existing record.
func (s *ArticleStore) PersistTranslation(ctx context.Context, record crawler.ArticleRecord) error {
	allowed := statusStrings(append(crawler.StatusTranslationCompleted.Predecessors(), crawler.StatusTranslationCompleted))
	filter := bson.M{"_id": record.ID, "status": bson.M{"$in": allowed}}
	update := bson.M{"$set": bson.M{
		"translated":         true,
		"status":             string(crawler.StatusTranslationCompleted),
		"notes":              record.Notes,
		"translated_title":   record.TranslatedTitle,
		"translated_summary": record.TranslatedSummary,
		"translated_content": record.TranslatedContent,
	}}
	res, err := s.articles.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update translation %d: %w", record.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update translation %d: %w", record.ID, crawler.ErrRecordNotFound)
	}
	return nil
}

// UpdateStatus records a status change with a note.
func (s *ArticleStore) UpdateStatus(ctx context.Context, id int64, status crawler.Status, notes string) error {
	filter := bson.M{"_id": id, "status": bson.M{"$in": statusStrings(status.Predecessors())}}
	update := bson.M{"$set": bson.M{"status": string(status), "notes": notes}}
	res, err := s.articles.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update status %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update status %d to %s: %w", id, status, crawler.ErrRecordNotFound)
	}
	return nil
}

// allocateIDs reserves n consecutive ids and returns the first.
func (s *ArticleStore) allocateIDs(ctx context.Context, n int) (int64, error) {
	var counter counterDocument
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": s.articles.Name()},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate ids: %w", err)
	}
	return counter.Seq - int64(n) + 1, nil
}

func (s *ArticleStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func toDocument(rec crawler.ArticleRecord) articleDocument {
	return articleDocument{
		ID:                rec.ID,
		Source:            string(rec.Source),
		URL:               rec.URL,
		Title:             rec.Title,
		Authors:           rec.Authors,
		Keywords:          rec.Keywords,
		Image:             rec.Image,
		Summary:           rec.Summary,
		Content:           rec.Content,
		Published:         rec.Published,
		IngestedAt:        rec.IngestedAt,
		Translated:        rec.Translated,
		Status:            string(rec.Status),
		Notes:             rec.Notes,
		TranslatedTitle:   rec.TranslatedTitle,
		TranslatedSummary: rec.TranslatedSummary,
		TranslatedContent: rec.TranslatedContent,
	}
}

func fromDocument(doc articleDocument) crawler.ArticleRecord {
	return crawler.ArticleRecord{
		ID:                doc.ID,
		Source:            crawler.Source(doc.Source),
		URL:               doc.URL,
		Title:             doc.Title,
		Authors:           doc.Authors,
		Keywords:          doc.Keywords,
		Image:             doc.Image,
		Summary:           doc.Summary,
		Content:           doc.Content,
		Published:         doc.Published,
		IngestedAt:        doc.IngestedAt,
		Translated:        doc.Translated,
		Status:            crawler.Status(doc.Status),
		Notes:             doc.Notes,
		TranslatedTitle:   doc.TranslatedTitle,
		TranslatedSummary: doc.TranslatedSummary,
		TranslatedContent: doc.TranslatedContent,
	}
}

func statusStrings(statuses []crawler.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
