package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

func TestNewRequiresConnectionSettings(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil, nil)
	require.ErrorContains(t, err, "mongo.uri")
	_, err = New(context.Background(), Config{URI: "mongodb://localhost:27017"}, nil, nil)
	require.ErrorContains(t, err, "mongo.database")
}

func TestDocumentUsesIDAsPrimaryKey(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.ArticleRecord{
		ID:         12,
		Source:     "news",
		URL:        "https://example.com/a",
		Title:      "title",
		IngestedAt: &now,
		Status:     crawler.StatusCrawlingCompleted,
	}
	raw, err := bson.Marshal(toDocument(rec))
	require.NoError(t, err)

	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))
	require.Equal(t, int64(12), m["_id"])
	require.Equal(t, "crawling_completed", m["status"])
	require.NotContains(t, m, "published")
	require.NotContains(t, m, "translated_title")

	var doc articleDocument
	require.NoError(t, bson.Unmarshal(raw, &doc))
	back := fromDocument(doc)
	require.Equal(t, rec.URL, back.URL)
	require.Equal(t, rec.Source, back.Source)
	require.True(t, now.Equal(*back.IngestedAt))
	require.Nil(t, back.Published)
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"crawling_completed"}, statusStrings(crawler.StatusTranslationFailed.Predecessors()))
	require.Empty(t, statusStrings(crawler.StatusCreatedSummary.Predecessors()))
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func mockStore(mt *mtest.T) *ArticleStore {
	return newWithCollections(mt.Coll, mt.DB.Collection(countersCollection), fixedClock{now: testNow}, nil)
}

func namespace(mt *mtest.T) string {
	return mt.Coll.Database().Name() + "." + mt.Coll.Name()
}

func counterReply(seq int64) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
		{Key: "_id", Value: "articles"},
		{Key: "seq", Value: seq},
	}})
}

func updateReply(matched int) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: matched}, bson.E{Key: "nModified", Value: matched})
}

func asDocument(t *testing.T, rec crawler.ArticleRecord) bson.D {
	t.Helper()
	raw, err := bson.Marshal(toDocument(rec))
	require.NoError(t, err)
	var doc bson.D
	require.NoError(t, bson.Unmarshal(raw, &doc))
	return doc
}

func makeRecords(n int) []crawler.ArticleRecord {
	out := make([]crawler.ArticleRecord, n)
	for i := range out {
		out[i] = crawler.ArticleRecord{
			Source: "news",
			URL:    fmt.Sprintf("https://example.com/%d", i),
			Title:  fmt.Sprintf("title %d", i),
			Status: crawler.StatusCrawlingCompleted,
		}
	}
	return out
}

// insertedDocs returns the _id and url of every document in an insert command.
func insertedDocs(t *testing.T, cmd bson.Raw) ([]int64, []string) {
	t.Helper()
	values, err := cmd.Lookup("documents").Array().Values()
	require.NoError(t, err)
	ids := make([]int64, len(values))
	urls := make([]string, len(values))
	for i, v := range values {
		doc := v.Document()
		ids[i] = doc.Lookup("_id").Int64()
		urls[i] = doc.Lookup("url").StringValue()
	}
	return ids, urls
}

func statusFilter(t *testing.T, cmd bson.Raw) (int64, []string) {
	t.Helper()
	updates, err := cmd.Lookup("updates").Array().Values()
	require.NoError(t, err)
	require.Len(t, updates, 1)
	q := updates[0].Document().Lookup("q").Document()
	values, err := q.Lookup("status", "$in").Array().Values()
	require.NoError(t, err)
	allowed := make([]string, len(values))
	for i, v := range values {
		allowed[i] = v.StringValue()
	}
	return q.Lookup("_id").Int64(), allowed
}

func TestAllocateIDsReservesBlock(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("first id of block", func(mt *mtest.T) {
		mt.AddMockResponses(counterReply(10))
		first, err := mockStore(mt).allocateIDs(context.Background(), 3)
		require.NoError(mt, err)
		require.Equal(mt, int64(8), first)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "findAndModify", evt.CommandName)
		require.Equal(mt, countersCollection, evt.Command.Lookup("findAndModify").StringValue())
		require.Equal(mt, int64(3), evt.Command.Lookup("update", "$inc", "seq").Int64())
		require.True(mt, evt.Command.Lookup("upsert").Boolean())
	})

	mt.Run("counter failure", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad counter"}))
		_, err := mockStore(mt).allocateIDs(context.Background(), 1)
		require.ErrorContains(mt, err, "allocate ids")
	})
}

func TestPersistBatchInsertsTailFirstSubBatches(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("two sub-batches", func(mt *mtest.T) {
		records := makeRecords(150)
		mt.AddMockResponses(
			counterReply(100),
			mtest.CreateSuccessResponse(),
			counterReply(150),
			mtest.CreateSuccessResponse(),
		)
		require.NoError(mt, mockStore(mt).PersistBatch(context.Background(), records, "news"))

		require.Equal(mt, "findAndModify", mt.GetStartedEvent().CommandName)
		first := mt.GetStartedEvent()
		require.Equal(mt, "insert", first.CommandName)
		require.True(mt, first.Command.Lookup("ordered").Boolean())
		ids, urls := insertedDocs(mt.T, first.Command)
		require.Len(mt, ids, crawler.SubBatchSize)
		require.Equal(mt, int64(1), ids[0])
		require.Equal(mt, records[149].URL, urls[0])
		require.Equal(mt, int64(100), ids[99])
		require.Equal(mt, records[50].URL, urls[99])

		require.Equal(mt, "findAndModify", mt.GetStartedEvent().CommandName)
		second := mt.GetStartedEvent()
		ids, urls = insertedDocs(mt.T, second.Command)
		require.Len(mt, ids, 50)
		require.Equal(mt, int64(101), ids[0])
		require.Equal(mt, records[49].URL, urls[0])
		require.Equal(mt, int64(150), ids[49])
		require.Equal(mt, records[0].URL, urls[49])
	})

	mt.Run("failed sub-batch stops the rest", func(mt *mtest.T) {
		mt.AddMockResponses(
			counterReply(100),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}),
		)
		err := mockStore(mt).PersistBatch(context.Background(), makeRecords(150), "news")
		require.ErrorContains(mt, err, "insert sub-batch")

		require.Equal(mt, "findAndModify", mt.GetStartedEvent().CommandName)
		require.Equal(mt, "insert", mt.GetStartedEvent().CommandName)
		require.Nil(mt, mt.GetStartedEvent())
	})

	mt.Run("invalid records never reach the server", func(mt *mtest.T) {
		records := makeRecords(2)
		records[1].Source = "other"
		require.Error(mt, mockStore(mt).PersistBatch(context.Background(), records, "news"))
		require.Nil(mt, mt.GetStartedEvent())
	})
}

func TestGetPreviousSortsByID(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("newest record", func(mt *mtest.T) {
		newest := makeRecords(1)[0]
		newest.ID = 42
		newest.IngestedAt = &testNow
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, asDocument(mt.T, newest)))

		got, err := mockStore(mt).GetPrevious(context.Background(), "news")
		require.NoError(mt, err)
		require.NotNil(mt, got)
		require.Equal(mt, int64(42), got.ID)
		require.Equal(mt, newest.URL, got.URL)

		evt := mt.GetStartedEvent()
		require.Equal(mt, "find", evt.CommandName)
		require.Equal(mt, "news", evt.Command.Lookup("filter", "source").StringValue())
		require.Equal(mt, int64(-1), evt.Command.Lookup("sort", "_id").AsInt64())
	})

	mt.Run("no records", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))
		got, err := mockStore(mt).GetPrevious(context.Background(), "news")
		require.NoError(mt, err)
		require.Nil(mt, got)
	})
}

func TestGetUnTranslatedAscending(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("oldest first", func(mt *mtest.T) {
		recs := makeRecords(2)
		recs[0].ID, recs[1].ID = 1, 2
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
			asDocument(mt.T, recs[0]), asDocument(mt.T, recs[1])))

		got, err := mockStore(mt).GetUnTranslated(context.Background())
		require.NoError(mt, err)
		require.Len(mt, got, 2)
		require.Equal(mt, int64(1), got[0].ID)
		require.Equal(mt, int64(2), got[1].ID)

		evt := mt.GetStartedEvent()
		require.False(mt, evt.Command.Lookup("filter", "translated").Boolean())
		require.Equal(mt, int64(1), evt.Command.Lookup("sort", "_id").AsInt64())
	})
}

func TestPersistTranslationFiltersOnLifecycle(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	rec := crawler.ArticleRecord{ID: 7, TranslatedTitle: "hello", TranslatedContent: "world"}

	mt.Run("updates a crawled record", func(mt *mtest.T) {
		mt.AddMockResponses(updateReply(1))
		require.NoError(mt, mockStore(mt).PersistTranslation(context.Background(), rec))

		evt := mt.GetStartedEvent()
		id, allowed := statusFilter(mt.T, evt.Command)
		require.Equal(mt, int64(7), id)
		require.ElementsMatch(mt, []string{"crawling_completed", "translation_completed"}, allowed)
	})

	mt.Run("missing record", func(mt *mtest.T) {
		mt.AddMockResponses(updateReply(0))
		err := mockStore(mt).PersistTranslation(context.Background(), rec)
		require.ErrorIs(mt, err, crawler.ErrRecordNotFound)
	})
}

func TestUpdateStatusFiltersOnPredecessors(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("translation failure", func(mt *mtest.T) {
		mt.AddMockResponses(updateReply(1))
		require.NoError(mt, mockStore(mt).UpdateStatus(context.Background(), 9, crawler.StatusTranslationFailed, "timeout"))

		evt := mt.GetStartedEvent()
		id, allowed := statusFilter(mt.T, evt.Command)
		require.Equal(mt, int64(9), id)
		require.Equal(mt, []string{"crawling_completed"}, allowed)
	})

	mt.Run("record in another state", func(mt *mtest.T) {
		mt.AddMockResponses(updateReply(0))
		err := mockStore(mt).UpdateStatus(context.Background(), 9, crawler.StatusTranslationFailed, "timeout")
		require.ErrorIs(mt, err, crawler.ErrRecordNotFound)
	})
}
