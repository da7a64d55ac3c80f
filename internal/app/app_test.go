package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/output/sqlite"
	"github.com/JakeFAU/sitecrawler/internal/scheduler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Crawler:  config.CrawlerConfig{MaxDepth: 1, RequestTimeoutSeconds: 5},
		Sessions: config.SessionsConfig{MaxActive: 1},
		Progress: config.ProgressConfig{BufferSize: 64, BatchSize: 8, BatchWaitMs: 10, SinkTimeoutMs: 100},
		Output:   config.OutputConfig{Dir: filepath.Join(t.TempDir(), "records")},
	}
}

func TestNewAppWiresServices(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NotNil(t, a.GetLogger())
	require.NotNil(t, a.GetSessions())
	require.NotNil(t, a.GetRecords())
	require.NotNil(t, a.GetFiles())
	require.Equal(t, 1, a.GetConfig().Crawler.MaxDepth)
	require.NoError(t, a.Ready(context.Background()))

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "go_goroutines")

	a.HTTPMiddleware(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	rec = httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), `http_requests_total{code="404",method="GET",route="unknown"} 1`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestNewAppCrawlsStaticSite(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<html><head><title>Home</title></head><body>
<h1>Welcome</h1><p>Static content that needs no browser at all.</p>
<a href="/about">About</a></body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<html><head><title>About</title></head><body>
<h1>About us</h1><p>We build crawlers.</p></body></html>`)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	cfg := testConfig(t)
	cfg.Output.SQLitePath = filepath.Join(t.TempDir(), "crawl.db")
	a, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	st, err := a.GetSessions().Start(site.URL, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := a.GetSessions().Wait(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.StateFinished, final.State)
	require.Equal(t, 2, final.Pages)
	require.Zero(t, final.Failures)

	results, err := a.GetSessions().Results(st.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	path, err := a.GetFiles().Path(st.ID)
	require.NoError(t, err)
	require.FileExists(t, path)

	db, err := sqlite.Open(ctx, cfg.Output.SQLitePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stored, err := db.Records(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestNewAppRejectsBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DB.DSN = "postgres://localhost:99999999/crawl"
	cfg.DB.Table = "crawl_records"
	_, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "postgres")
}
