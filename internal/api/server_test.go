package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/output/jsonl"
	"github.com/JakeFAU/sitecrawler/internal/output/memory"
	"github.com/JakeFAU/sitecrawler/internal/scheduler"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

func TestServer_StartCrawl_Succeeds(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	server := newTestServer(t, Deps{Sessions: sessions})

	rec := doRequest(server, http.MethodPost, "/start", `{"url":"https://example.com","max_depth":1}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "session-1", body["session_id"])
	require.Equal(t, "https://example.com", body["url"])
	require.Equal(t, 1, sessions.lastDepth)
}

func TestServer_StartCrawl_DefaultsDepthFromConfig(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	server := newTestServer(t, Deps{Sessions: sessions})

	rec := doRequest(server, http.MethodPost, "/start", `{"url":"https://example.com"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 2, sessions.lastDepth)
}

func TestServer_StartCrawl_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
		contains string
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest, contains: "invalid JSON"},
		{name: "missing url", body: `{"url":"  "}`, want: http.StatusBadRequest, contains: "url required"},
		{name: "negative depth", body: `{"url":"https://example.com","max_depth":-1}`, want: http.StatusBadRequest, contains: "max_depth"},
		{
			name:     "already running",
			body:     `{"url":"https://example.com"}`,
			startErr: session.ErrTooManySessions,
			want:     http.StatusConflict,
			contains: "already running",
		},
		{
			name:     "invalid url",
			body:     `{"url":"example.com"}`,
			startErr: fmt.Errorf("create session: %w", crawler.ErrInvalidURL),
			want:     http.StatusBadRequest,
			contains: "absolute",
		},
		{
			name:     "unexpected",
			body:     `{"url":"https://example.com"}`,
			startErr: errors.New("boom"),
			want:     http.StatusInternalServerError,
			contains: "failed to start crawl",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(t, Deps{Sessions: &fakeSessions{startErr: tt.startErr}})
			rec := doRequest(server, http.MethodPost, "/start", tt.body)
			require.Equal(t, tt.want, rec.Code)
			require.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestServer_StopCrawl(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{stopErr: session.ErrNotFound}
	server := newTestServer(t, Deps{Sessions: sessions})

	rec := doRequest(server, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "no active crawl")

	rec = doRequest(server, http.MethodPost, "/stop?session_id=missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	sessions.setStop(true, nil)
	rec = doRequest(server, http.MethodPost, "/stop?session_id=session-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stop signal sent")
	require.Equal(t, "session-1", sessions.lastStopID())
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{status: session.Status{
		IsRunning: true,
		Snapshot: scheduler.Snapshot{
			ID:         "session-1",
			State:      scheduler.StateRunning,
			CurrentURL: "https://example.com/a",
			Pages:      3,
		},
	}}
	server := newTestServer(t, Deps{Sessions: sessions})

	rec := doRequest(server, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["is_running"])
	require.Equal(t, "running", body["state"])
	require.Equal(t, "https://example.com/a", body["current_url"])
	require.Equal(t, float64(3), body["pages"])

	sessions.statusErr = session.ErrNotFound
	rec = doRequest(server, http.MethodGet, "/status?session_id=nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Results(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{results: []any{map[string]any{"url": "https://example.com", "kind": "page"}}}
	server := newTestServer(t, Deps{Sessions: sessions})

	rec := doRequest(server, http.MethodGet, "/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[{"url":"https://example.com","kind":"page"}]`, rec.Body.String())

	sessions.resultsErr = session.ErrNotFound
	rec = doRequest(server, http.MethodGet, "/results?session_id=nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSessions(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{status: session.Status{Snapshot: scheduler.Snapshot{ID: "session-1"}}}
	server := newTestServer(t, Deps{Sessions: sessions})

	rec := doRequest(server, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "session-1")
}

func TestServer_Download(t *testing.T) {
	t.Parallel()

	writer, err := jsonl.New(jsonl.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, writer.Emit(context.Background(), crawler.Record{
		SessionID: "session-1",
		Kind:      crawler.RecordPage,
		URL:       "https://example.com",
	}))

	sessions := &fakeSessions{status: session.Status{Snapshot: scheduler.Snapshot{ID: "session-1"}}}
	server := newTestServer(t, Deps{Sessions: sessions, Files: writer})

	rec := doRequest(server, http.MethodGet, "/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), `attachment; filename="crawl-session-1.jsonl"`)
	require.Contains(t, rec.Body.String(), `"url":"https://example.com"`)

	sessions.status = session.Status{Snapshot: scheduler.Snapshot{ID: "session-2"}}
	rec = doRequest(server, http.MethodGet, "/download", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	sessions.status = session.Status{}
	rec = doRequest(server, http.MethodGet, "/download", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Report(t *testing.T) {
	t.Parallel()

	records := memory.NewRecordStore()
	require.NoError(t, records.Emit(context.Background(), crawler.Record{
		SessionID: "session-1",
		Kind:      crawler.RecordPage,
		URL:       "https://example.com/",
		Strategy:  crawler.StrategyStatic,
	}))
	require.NoError(t, records.Emit(context.Background(), crawler.Record{
		SessionID: "session-1",
		Kind:      crawler.RecordFailure,
		URL:       "https://example.com/broken",
		Depth:     1,
		Reason:    "fetch failed: status 500",
	}))
	sessions := &fakeSessions{status: session.Status{Snapshot: scheduler.Snapshot{
		ID:      "session-1",
		SeedURL: "https://example.com/",
		State:   scheduler.StateFinished,
	}}}
	server := newTestServer(t, Deps{Sessions: sessions, Records: records})

	rec := doRequest(server, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	require.Contains(t, rec.Body.String(), "# Crawl Report")
	require.Contains(t, rec.Body.String(), "https://example.com/broken")

	rec = doRequest(server, http.MethodGet, "/report?format=xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename="crawl-session-1.xlsx"`)
	require.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")

	rec = doRequest(server, http.MethodGet, "/report?format=pdf", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	sessions.status = session.Status{}
	rec = doRequest(server, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	unavailable := newTestServer(t, Deps{Sessions: &fakeSessions{}})
	rec = doRequest(unavailable, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	server := newTestServer(t, Deps{
		Sessions: &fakeSessions{},
		Ready: func(context.Context) error {
			if fail.Load() {
				return errors.New("db down")
			}
			return nil
		},
	})

	require.Equal(t, http.StatusOK, doRequest(server, http.MethodGet, "/readyz", "").Code)
	fail.Store(true)
	require.Equal(t, http.StatusServiceUnavailable, doRequest(server, http.MethodGet, "/readyz", "").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "crawler_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	server := newTestServer(t, Deps{
		Sessions: &fakeSessions{},
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	rec := doRequest(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawler_test_total 1")
}

func TestServer_Instrument(t *testing.T) {
	t.Parallel()

	var seen []string
	server := newTestServer(t, Deps{
		Sessions: &fakeSessions{},
		Instrument: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = append(seen, r.URL.Path)
				next.ServeHTTP(w, r)
			})
		},
	})

	require.Equal(t, http.StatusOK, doRequest(server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, doRequest(server, http.MethodGet, "/status", "").Code)
	require.Equal(t, []string{"/healthz", "/status"}, seen)
}

func TestServer_CORS(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, Deps{Sessions: &fakeSessions{}})

	req := httptest.NewRequest(http.MethodOptions, "/start", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(Deps{Sessions: &fakeSessions{}}, cfg, zap.NewNop())
	t.Cleanup(server.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, Deps{Sessions: &fakeSessions{panicOnList: true}})
	rec := doRequest(server, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := doRequest(newTestServer(t, Deps{Sessions: &fakeSessions{}}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.Equal(t, http.StatusSwitchingProtocols, rw.status)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func TestServer_StreamLogs(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	server := newTestServer(t, Deps{Sessions: &fakeSessions{}, Feed: feed})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/logs?session_id=session-1"
	conn, br, _, err := ws.Dial(ctx, wsURL)
	require.NoError(t, err)

	select {
	case <-feed.subscribed:
	case <-ctx.Done():
		t.Fatal("stream never subscribed")
	}
	feed.ch <- crawler.Record{SessionID: "other", URL: "https://other.example"}
	feed.ch <- crawler.Record{SessionID: "session-1", Kind: crawler.RecordPage, URL: "https://example.com"}

	var reader io.Reader = conn
	if br != nil {
		reader = io.MultiReader(br, conn)
	}
	rw := struct {
		io.Reader
		io.Writer
	}{reader, conn}
	payload, err := wsutil.ReadServerText(rw)
	require.NoError(t, err)

	var got crawler.Record
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "session-1", got.SessionID)
	require.Equal(t, "https://example.com", got.URL)

	require.NoError(t, conn.Close())
	require.Eventually(t, feed.canceled.Load, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StreamLogsUnavailable(t *testing.T) {
	t.Parallel()

	rec := doRequest(newTestServer(t, Deps{Sessions: &fakeSessions{}}), http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- helpers/fakes ---

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		CORS:    config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Crawler: config.CrawlerConfig{MaxDepth: 2, RequestTimeoutSeconds: 30},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	server := NewServer(deps, testConfig(), zap.NewNop())
	t.Cleanup(server.Close)
	return server
}

func doRequest(server *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeSessions struct {
	mu          sync.Mutex
	startErr    error
	lastDepth   int
	stopped     bool
	stopErr     error
	stopID      string
	status      session.Status
	statusErr   error
	results     []any
	resultsErr  error
	panicOnList bool
}

func (f *fakeSessions) Start(seedURL string, maxDepth int) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDepth = maxDepth
	if f.startErr != nil {
		return session.Status{}, f.startErr
	}
	return session.Status{
		IsRunning: true,
		Snapshot:  scheduler.Snapshot{ID: "session-1", SeedURL: seedURL, MaxDepth: maxDepth, State: scheduler.StateRunning},
	}, nil
}

func (f *fakeSessions) Stop(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopID = id
	return f.stopped, f.stopErr
}

func (f *fakeSessions) setStop(stopped bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = stopped
	f.stopErr = err
}

func (f *fakeSessions) lastStopID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopID
}

func (f *fakeSessions) Status(string) (session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeSessions) List() []session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnList {
		panic("list exploded")
	}
	return []session.Status{f.status}
}

func (f *fakeSessions) Results(string) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results, f.resultsErr
}

type fakeFeed struct {
	ch         chan crawler.Record
	subscribed chan struct{}
	once       sync.Once
	canceled   atomic.Bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan crawler.Record), subscribed: make(chan struct{})}
}

func (f *fakeFeed) Subscribe(int) (<-chan crawler.Record, func()) {
	f.once.Do(func() { close(f.subscribed) })
	return f.ch, func() { f.canceled.Store(true) }
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
