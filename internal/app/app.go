// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/api"
	"github.com/JakeFAU/newsdesk-crawler/internal/clock/system"
	"github.com/JakeFAU/newsdesk-crawler/internal/config"
	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/dispatcher"
	"github.com/JakeFAU/newsdesk-crawler/internal/extract"
	"github.com/JakeFAU/newsdesk-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/newsdesk-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/newsdesk-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/newsdesk-crawler/internal/hash/sha256"
	"github.com/JakeFAU/newsdesk-crawler/internal/headless/detector"
	"github.com/JakeFAU/newsdesk-crawler/internal/id/uuid"
	redislock "github.com/JakeFAU/newsdesk-crawler/internal/lock/redis"
	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
	"github.com/JakeFAU/newsdesk-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/newsdesk-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/gcs"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/local"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/memory"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/mongo"
	"github.com/JakeFAU/newsdesk-crawler/internal/storage/postgres"
	"github.com/JakeFAU/newsdesk-crawler/internal/translation"
	"github.com/JakeFAU/newsdesk-crawler/internal/worker"
)

// App holds the services shared by the CLI commands and the HTTP server.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      crawler.Clock
	gateway    crawler.Gateway
	dispatcher *dispatcher.Dispatcher
	pingers    []func(context.Context) error
	closers    []func(context.Context) error
}

// Option overrides a service before wiring; tests use it to inject fakes.
type Option func(*overrides)

type overrides struct {
	gateway crawler.Gateway
	direct  crawler.Renderer
	clock   crawler.Clock
	locker  crawler.Locker
}

// WithGateway replaces the configured record gateway.
func WithGateway(g crawler.Gateway) Option {
	return func(o *overrides) { o.gateway = g }
}

// WithDirectRenderer replaces the colly renderer.
func WithDirectRenderer(r crawler.Renderer) Option {
	return func(o *overrides) { o.direct = r }
}

// WithLocker replaces the redis run lock.
func WithLocker(l crawler.Locker) Option {
	return func(o *overrides) { o.locker = l }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// New wires every service named in cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	if a.clock == nil {
		a.clock = system.New()
	}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	logger.Info("initializing application services",
		zap.String("gateway", cfg.Storage.Gateway),
		zap.String("archive", cfg.Storage.Archive),
		zap.Int("sources", len(cfg.Crawlers)),
	)

	a.gateway = o.gateway
	if a.gateway == nil {
		if a.gateway, err = a.openGateway(ctx); err != nil {
			return nil, err
		}
	}
	blobs, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	renderers, err := a.buildRenderers(o.direct)
	if err != nil {
		return nil, err
	}
	stage, err := a.buildStage(ctx)
	if err != nil {
		return nil, err
	}
	locker := o.locker
	if locker == nil {
		if locker, err = a.openLocker(ctx); err != nil {
			return nil, err
		}
	}

	var pacer worker.Pacer
	if cfg.Crawl.DomainRPS > 0 || len(cfg.Crawl.HostRates) > 0 {
		pacer = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawl.DomainRPS,
			DefaultBurst: cfg.Crawl.DomainBurst,
			HostRPS:      cfg.HostRPS(),
		})
	}
	extractor := extract.New()
	hasher := sha256.New()
	factory := func(settings crawler.CrawlSettings) dispatcher.Crawler {
		return worker.New(
			a.gateway,
			extractor,
			renderers,
			pacer,
			blobs,
			hasher,
			a.clock,
			worker.Config{
				Retry:        settings.RetryPolicy(),
				FetchTimeout: settings.FetchTimeout,
				ContentType:  cfg.Storage.ContentType,
				BlobPrefix:   cfg.Storage.Prefix,
			},
			logger,
		)
	}
	a.dispatcher = dispatcher.New(
		factory,
		stage,
		locker,
		uuid.NewUUIDGenerator(),
		a.clock,
		dispatcher.Config{LockKey: cfg.Lock.Key, LockTTL: cfg.LockTTL()},
		logger,
	)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) openGateway(ctx context.Context) (crawler.Gateway, error) {
	switch a.cfg.Storage.Gateway {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		}, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres gateway: %w", err)
		}
		a.pingers = append(a.pingers, store.Ping)
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	case "mongo":
		store, err := mongo.New(ctx, mongo.Config{
			URI:        a.cfg.Mongo.URI,
			Database:   a.cfg.Mongo.Database,
			Collection: a.cfg.Mongo.Collection,
		}, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init mongo gateway: %w", err)
		}
		a.pingers = append(a.pingers, store.Ping)
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "", "memory":
		a.logger.Warn("using in-memory gateway; records are lost on exit")
		return memory.NewArticleStore(a.clock), nil
	default:
		return nil, fmt.Errorf("unknown storage gateway %q", a.cfg.Storage.Gateway)
	}
}

func (a *App) openArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Archive {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage archive %q", a.cfg.Storage.Archive)
	}
}

func (a *App) buildRenderers(direct crawler.Renderer) (worker.Renderers, error) {
	if direct == nil {
		direct = collyfetcher.New(collyfetcher.Config{
			UserAgent:      a.cfg.Crawl.UserAgent,
			AcceptLanguage: a.cfg.Crawl.AcceptLanguage,
			RespectRobots:  a.cfg.Crawl.RespectRobots,
			Timeout:        time.Duration(a.cfg.Crawl.FetchTimeoutSeconds) * time.Second,
			MaxBodyBytes:   a.cfg.Crawl.MaxBodyBytes,
		})
	}
	renderers := worker.Renderers{Direct: direct}

	var browser, viewSource crawler.Renderer = headless.NewDisabled(), headless.NewDisabled()
	if a.cfg.Headless.Enabled {
		base := headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawl.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			DomainQPS:         a.cfg.Headless.DomainQPS,
		}
		live, err := headless.NewChromedp(base)
		if err != nil {
			return renderers, fmt.Errorf("init browser renderer: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			live.Close()
			return nil
		})
		base.ViewSource = true
		source, err := headless.NewChromedp(base)
		if err != nil {
			return renderers, fmt.Errorf("init view-source renderer: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			source.Close()
			return nil
		})
		browser, viewSource = live, source
	} else {
		a.logger.Info("browser rendering disabled; browser sources fall back to direct bodies when possible")
	}
	renderers.Browser = browser
	renderers.ViewSource = viewSource
	shell := detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
	renderers.Auto = fetcher.NewEscalating(direct, browser, shell, a.logger)
	renderers.AutoViewSource = fetcher.NewEscalating(direct, viewSource, shell, a.logger)
	return renderers, nil
}

func (a *App) buildStage(ctx context.Context) (*translation.Stage, error) {
	var translator crawler.Translator = translation.Passthrough{}
	if a.cfg.Translation.Enabled {
		client, err := translation.NewClient(translation.ClientConfig{
			Endpoint: a.cfg.Translation.Endpoint,
			APIKey:   a.cfg.Translation.APIKey,
			Timeout:  time.Duration(a.cfg.Translation.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init translator: %w", err)
		}
		translator = client
	}

	var publisher crawler.Publisher
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub := pubsub.New(client)
		a.closers = append(a.closers, func(context.Context) error {
			pub.Close()
			return client.Close()
		})
		publisher = pub
	}

	return translation.NewStage(a.gateway, translator, publisher, a.clock, translation.Config{
		TargetLanguage:        a.cfg.Translation.TargetLanguage,
		DefaultSourceLanguage: a.cfg.Translation.DefaultSourceLanguage,
		Languages:             a.cfg.Languages(),
		Topic:                 a.cfg.PubSub.TopicName,
	}, a.logger), nil
}

func (a *App) openLocker(ctx context.Context) (crawler.Locker, error) {
	if a.cfg.Lock.RedisAddress == "" {
		return nil, nil
	}
	locker, client, err := redislock.Dial(ctx, redislock.Config{
		Address:  a.cfg.Lock.RedisAddress,
		Password: a.cfg.Lock.RedisPassword,
		DB:       a.cfg.Lock.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("init run lock: %w", err)
	}
	a.pingers = append(a.pingers, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return locker, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Gateway returns the record gateway.
func (a *App) Gateway() crawler.Gateway {
	return a.gateway
}

// Dispatcher returns the run orchestrator.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Ready pings every remote dependency.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// APIServer builds the HTTP surface over the app's services.
func (a *App) APIServer() *api.Server {
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	return api.NewServer(a.dispatcher, a.gateway, a.cfg.CrawlSettings(), a.Ready, api.Config{APIKey: apiKey}, a.logger)
}

// Close shuts services down in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
