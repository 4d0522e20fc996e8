// Package postgres provides the Postgres-backed persistence gateway.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for article rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is satisfied by *pgxpool.Pool and pgxmock's pool.
type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ArticleStore implements crawler.Gateway on a table whose id column is a
// bigserial, so ids grow in insert order.
type ArticleStore struct {
	pool   pool
	table  string
	clock  crawler.Clock
	logger *zap.Logger
}

const columns = `id, source, url, title, authors, keywords, image, summary, content,
	published, ingested_at, translated, status, notes,
	translated_title, translated_summary, translated_content`

// New creates a Postgres-backed ArticleStore using the provided config.
func New(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg.Table, clock, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, clock crawler.Clock, logger *zap.Logger) (*ArticleStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "articles"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArticleStore{pool: p, table: table, clock: clock, logger: logger.Named("postgres")}, nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *ArticleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// GetPrevious returns the highest-ID record for source, or nil.
func (s *ArticleStore) GetPrevious(ctx context.Context, source crawler.Source) (*crawler.ArticleRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source = $1 ORDER BY id DESC LIMIT 1`, columns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select previous for %s: %w", source, err)
	}
	return &rec, nil
}

// GetUnTranslated returns untranslated records oldest first.
func (s *ArticleStore) GetUnTranslated(ctx context.Context) ([]crawler.ArticleRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE translated = false ORDER BY id ASC`, columns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select untranslated: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.ArticleRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan untranslated: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate untranslated: %w", err)
	}
	return out, nil
}

// PersistBatch inserts records tail-first, one transaction per sub-batch.
func (s *ArticleStore) PersistBatch(ctx context.Context, records []crawler.ArticleRecord, source crawler.Source) error {
	if err := crawler.CheckBatch(records, source); err != nil {
		return err
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (
	source, url, title, authors, keywords, image, summary, content,
	published, ingested_at, translated, status, notes
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, s.table)

	committed := 0
	err := crawler.PersistTailFirst(records, crawler.SubBatchSize, func(chunk []crawler.ArticleRecord) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin sub-batch: %w", err)
		}
		for _, rec := range chunk {
			ingested := s.now()
			if _, err := tx.Exec(ctx, insert,
				string(rec.Source),
				rec.URL,
				rec.Title,
				rec.Authors,
				rec.Keywords,
				rec.Image,
				rec.Summary,
				rec.Content,
				rec.Published,
				ingested,
				false,
				string(rec.Status),
				rec.Notes,
			); err != nil {
				s.rollback(ctx, tx)
				return fmt.Errorf("insert %s: %w", rec.URL, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit sub-batch: %w", err)
		}
		committed += len(chunk)
		return nil
	})
	if err != nil {
		s.logger.Error("persist batch aborted",
			zap.String("source", string(source)),
			zap.Int("committed", committed),
			zap.Int("total", len(records)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// PersistTranslation stores translated fields for an existing record.
func (s *ArticleStore) PersistTranslation(ctx context.Context, record crawler.ArticleRecord) error {
	query := fmt.Sprintf(`
UPDATE %s SET translated = true, status = $2, notes = $3,
	translated_title = $4, translated_summary = $5, translated_content = $6
WHERE id = $1 AND status = ANY($7)`, s.table)
	allowed := statusStrings(append(crawler.StatusTranslationCompleted.Predecessors(), crawler.StatusTranslationCompleted))
	tag, err := s.pool.Exec(ctx, query,
		record.ID,
		string(crawler.StatusTranslationCompleted),
		record.Notes,
		record.TranslatedTitle,
		record.TranslatedSummary,
		record.TranslatedContent,
		allowed,
	)
	if err != nil {
		return fmt.Errorf("update translation %d: %w", record.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update translation %d: %w", record.ID, crawler.ErrRecordNotFound)
	}
	return nil
}

// UpdateStatus records a status change with a note.
func (s *ArticleStore) UpdateStatus(ctx context.Context, id int64, status crawler.Status, notes string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, notes = $3 WHERE id = $1 AND status = ANY($4)`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, string(status), notes, statusStrings(status.Predecessors()))
	if err != nil {
		return fmt.Errorf("update status %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update status %d to %s: %w", id, status, crawler.ErrRecordNotFound)
	}
	return nil
}

func (s *ArticleStore) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("rollback failed", zap.Error(err))
	}
}

func (s *ArticleStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (crawler.ArticleRecord, error) {
	var (
		rec        crawler.ArticleRecord
		source     string
		status     string
		published  *time.Time
		ingestedAt *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&source,
		&rec.URL,
		&rec.Title,
		&rec.Authors,
		&rec.Keywords,
		&rec.Image,
		&rec.Summary,
		&rec.Content,
		&published,
		&ingestedAt,
		&rec.Translated,
		&status,
		&rec.Notes,
		&rec.TranslatedTitle,
		&rec.TranslatedSummary,
		&rec.TranslatedContent,
	); err != nil {
		return crawler.ArticleRecord{}, err
	}
	rec.Source = crawler.Source(source)
	rec.Status = crawler.Status(status)
	rec.Published = published
	rec.IngestedAt = ingestedAt
	return rec, nil
}

func statusStrings(statuses []crawler.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
