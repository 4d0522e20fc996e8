package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/dispatcher"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs every source once
// and then the translation pass.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one incremental crawl and translation pass",
		Long: `Crawls every configured source from its first feed page until it reaches
the newest stored article, an empty page or a configured limit, persists the
new articles and translates the untranslated backlog.`,
		RunE: runCrawlCommand,
	}
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := appInstance.Dispatcher().Run(ctx, appInstance.Config().CrawlSettings())
	if errors.Is(err, crawler.ErrAlreadyRunning) {
		logger.Fatal("another run holds the run lock", zap.Error(err))
	}
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	renderSummary(cmd.OutOrStdout(), result)
	logger.Info("crawl command finished", zap.String("status", result.Status()))
	return nil
}

// renderSummary prints one row per source and a translation footer.
func renderSummary(w io.Writer, result dispatcher.RunResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Run " + result.RunID)
	t.AppendHeader(table.Row{"Source", "Pages", "Persisted", "Failed", "Skipped", "Stopped", "Duration", "Error"})
	for _, src := range result.Sources {
		t.AppendRow(table.Row{
			src.Source,
			src.Pages,
			src.Persisted,
			src.Failed,
			len(src.Skipped),
			src.Stopped,
			src.Duration.Round(1e6),
			src.ErrText,
		})
	}
	t.AppendFooter(table.Row{
		"translation",
		"",
		result.Translation.Translated,
		result.Translation.Failed,
		result.Translation.Skipped,
		result.Status(),
		result.Finished.Sub(result.Started).Round(1e6),
		result.TranslationError,
	})
	t.Render()
}
