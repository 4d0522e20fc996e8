package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
)

// runStarter is the slice of the dispatcher the scheduler needs.
type runStarter interface {
	Start(ctx context.Context, settings crawler.CrawlSettings) (string, error)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled crawls",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler, err := newScheduler(ctx, cfg.Schedule.Cron, appInstance.Dispatcher(), cfg.CrawlSettings(), logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           appInstance.APIServer().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// newScheduler registers a cron entry that starts a run. An empty spec
// disables scheduling. Ticks that land while a run is active are skipped.
func newScheduler(
	ctx context.Context,
	spec string,
	runner runStarter,
	settings crawler.CrawlSettings,
	logger *zap.Logger,
) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		runID, err := runner.Start(ctx, settings)
		switch {
		case errors.Is(err, crawler.ErrAlreadyRunning):
			logger.Info("scheduled run skipped; previous run still active")
		case err != nil:
			logger.Error("scheduled run failed to start", zap.Error(err))
		default:
			logger.Info("scheduled run started", zap.String("run_id", runID))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule.cron %q: %w", spec, err)
	}
	return c, nil
}
