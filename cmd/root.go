// Package cmd defines the CLI commands for the sitecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/output/jsonl"
	"github.com/JakeFAU/sitecrawler/internal/output/memory"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the set of services commands use. Tests may inject their own.
type App interface {
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetSessions() *session.Manager
	GetRecords() *memory.RecordStore
	GetFiles() *jsonl.Writer
	MetricsHandler() http.Handler
	HTTPMiddleware(next http.Handler) http.Handler
	Ready(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Breadth-first website crawler with static and rendered page acquisition.",
		Long: `sitecrawler walks a website breadth-first from a seed URL, extracts
structured page content and falls back to a headless browser when a page
needs JavaScript. Run it as an HTTP control service (serve) or for a single
crawl (crawl).`,
		SilenceUsage: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), appInstance.GetConfig().ShutdownTimeout()+time.Second)
			defer cancel()
			closeErr := appInstance.Close(ctx)
			// Sync fails on terminals; the error carries no information.
			_ = appInstance.GetLogger().Sync()
			return closeErr
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sitecrawler: %v\n", err)
		os.Exit(1)
	}
}
