// Package translation runs the post-crawl pass that translates stored
// articles and writes the results back through the gateway.
package translation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
)

// Config controls a Stage.
type Config struct {
	TargetLanguage string
	// DefaultSourceLanguage applies to sources without an entry in Languages.
	DefaultSourceLanguage string
	Languages             map[crawler.Source]string
	// Topic receives one event per translated record. Empty disables publishing.
	Topic string
}

// Summary counts the outcome of one pass.
type Summary struct {
	Total      int           `json:"total"`
	Translated int           `json:"translated"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Stage translates every untranslated record once per Run.
type Stage struct {
	gateway    crawler.Gateway
	translator crawler.Translator
	publisher  crawler.Publisher
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewStage wires a Stage. publisher may be nil.
func NewStage(
	gateway crawler.Gateway,
	translator crawler.Translator,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "en"
	}
	return &Stage{
		gateway:    gateway,
		translator: translator,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("translation"),
	}
}

// Run translates the current backlog. A record that fails is marked
// translation_failed and the pass moves on; only a failure to read the
// backlog is returned.
func (s *Stage) Run(ctx context.Context) (Summary, error) {
	start := s.clock.Now()
	var summary Summary
	records, err := s.gateway.GetUnTranslated(ctx)
	if err != nil {
		return summary, fmt.Errorf("get untranslated: %w", err)
	}
	summary.Total = len(records)
	s.logger.Info("translation pass started", zap.Int("records", len(records)))

	for _, rec := range records {
		if ctx.Err() != nil {
			summary.Duration = s.clock.Now().Sub(start)
			return summary, fmt.Errorf("translation interrupted: %w", ctx.Err())
		}
		if rec.Status != crawler.StatusCrawlingCompleted {
			summary.Skipped++
			metrics.ObserveTranslation("skipped")
			continue
		}
		if err := s.translateRecord(ctx, rec); err != nil {
			summary.Failed++
			metrics.ObserveTranslation("failed")
			s.markFailed(ctx, rec, err)
			continue
		}
		summary.Translated++
		metrics.ObserveTranslation("translated")
	}

	summary.Duration = s.clock.Now().Sub(start)
	s.logger.Info("translation pass finished",
		zap.Int("translated", summary.Translated),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (s *Stage) translateRecord(ctx context.Context, rec crawler.ArticleRecord) error {
	out := rec.Clone()
	sourceLang := s.sourceLanguage(rec.Source)
	for _, field := range []struct {
		name string
		in   string
		out  *string
	}{
		{"title", rec.Title, &out.TranslatedTitle},
		{"summary", rec.Summary, &out.TranslatedSummary},
		{"content", rec.Content, &out.TranslatedContent},
	} {
		text, err := s.translate(ctx, field.in, sourceLang)
		if err != nil {
			return fmt.Errorf("translate %s: %w", field.name, err)
		}
		*field.out = text
	}
	if err := out.Transition(crawler.StatusTranslationCompleted); err != nil {
		return err
	}
	out.Translated = true
	if err := s.gateway.PersistTranslation(ctx, out); err != nil {
		return fmt.Errorf("persist translation: %w", err)
	}
	s.announce(ctx, out)
	return nil
}

func (s *Stage) translate(ctx context.Context, text, sourceLang string) (string, error) {
	if text == "" || sourceLang == s.cfg.TargetLanguage {
		return text, nil
	}
	return s.translator.Translate(ctx, text, sourceLang, s.cfg.TargetLanguage)
}

func (s *Stage) sourceLanguage(source crawler.Source) string {
	if lang, ok := s.cfg.Languages[source]; ok && lang != "" {
		return lang
	}
	if s.cfg.DefaultSourceLanguage != "" {
		return s.cfg.DefaultSourceLanguage
	}
	return "auto"
}

func (s *Stage) markFailed(ctx context.Context, rec crawler.ArticleRecord, cause error) {
	rec.AddNote("translation: %v", cause)
	s.logger.Warn("translation failed",
		zap.Int64("id", rec.ID),
		zap.String("source", string(rec.Source)),
		zap.Error(cause),
	)
	if err := s.gateway.UpdateStatus(ctx, rec.ID, crawler.StatusTranslationFailed, rec.Notes); err != nil {
		s.logger.Error("record translation failure", zap.Int64("id", rec.ID), zap.Error(err))
	}
}

// announce is best effort; the record is already durable.
func (s *Stage) announce(ctx context.Context, rec crawler.ArticleRecord) {
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"id":        rec.ID,
		"source":    rec.Source,
		"url":       rec.URL,
		"title":     rec.TranslatedTitle,
		"status":    rec.Status,
		"timestamp": s.clock.Now().Format(time.RFC3339),
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, payload); err != nil {
		s.logger.Warn("publish translated record", zap.Int64("id", rec.ID), zap.Error(err))
	}
}
