package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/report"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

func newCrawlCmd() *cobra.Command {
	var (
		seedURL    string
		maxDepth   int
		reportPath string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one site and exits",
		Long: `Runs a single breadth-first crawl from crawler.base_url (or --url)
and writes every record to the session's JSONL file in output.dir.
With --report a summary is also written: a workbook when the path ends
in .xlsx, Markdown otherwise.
Interrupting the command stops the crawl after the page in flight.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, seedURL, maxDepth, reportPath)
		},
	}
	cmd.Flags().StringVar(&seedURL, "url", "", "seed URL (overrides crawler.base_url)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", -1, "maximum crawl depth (overrides crawler.max_depth)")
	cmd.Flags().StringVar(&reportPath, "report", "", "write a crawl summary to this path (.md or .xlsx)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, seedURL string, maxDepth int, reportPath string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()
	if seedURL != "" {
		cfg.Crawler.BaseURL = seedURL
	}
	if maxDepth >= 0 {
		cfg.Crawler.MaxDepth = maxDepth
	}
	if err := cfg.ValidateForCrawl(); err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	sessions := appInstance.GetSessions()

	started, err := sessions.Start(cfg.Crawler.BaseURL, cfg.Crawler.MaxDepth)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}

	final, err := sessions.Wait(cmd.Context(), started.ID)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupt received, stopping crawl", zap.String("session_id", started.ID))
		if _, stopErr := sessions.Stop(started.ID); stopErr != nil {
			return fmt.Errorf("stop crawl: %w", stopErr)
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+cfg.PageLoadTimeout())
		defer cancel()
		final, err = sessions.Wait(waitCtx, started.ID)
	}
	if err != nil {
		return fmt.Errorf("wait for crawl: %w", err)
	}

	fields := []zap.Field{
		zap.String("session_id", final.ID),
		zap.Int("pages", final.Pages),
		zap.Int("failures", final.Failures),
		zap.Int("visited", final.Visited),
	}
	if path, err := appInstance.GetFiles().Path(final.ID); err == nil {
		fields = append(fields, zap.String("records", path))
	}
	if reportPath != "" {
		if err := writeReport(appInstance, final, reportPath); err != nil {
			return err
		}
		fields = append(fields, zap.String("report", reportPath))
	}
	logger.Info("crawl command finished", fields...)
	if final.Error != "" {
		return fmt.Errorf("crawl session failed: %s", final.Error)
	}
	return nil
}

func writeReport(appInstance App, final session.Status, path string) error {
	format := report.FormatMarkdown
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		format = report.FormatXLSX
	}
	summary := report.Summarize(final.Snapshot, appInstance.GetRecords().Records(final.ID))

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := report.Write(f, format, summary); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	return nil
}
