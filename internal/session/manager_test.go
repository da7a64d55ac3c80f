package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/output/memory"
	"github.com/JakeFAU/sitecrawler/internal/scheduler"
)

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("session-%d", s.n.Add(1)), nil
}

// gatedAcquirer blocks every acquisition until release is closed.
type gatedAcquirer struct {
	started     chan struct{}
	startedOnce sync.Once
	release     chan struct{}
	failures    map[string]bool
}

func newGatedAcquirer() *gatedAcquirer {
	return &gatedAcquirer{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedAcquirer) Acquire(ctx context.Context, url string, _ crawler.Renderer) (crawler.Acquisition, error) {
	g.startedOnce.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return crawler.Acquisition{}, ctx.Err()
	}
	if g.failures[url] {
		return crawler.Acquisition{}, fmt.Errorf("%w: status 500", crawler.ErrFetchFailed)
	}
	content := crawler.NewExtractedContent()
	content.Title = "Home"
	content.Headings["h1"] = []string{"Welcome"}
	content.Links = []string{"https://example.com/broken"}
	return crawler.Acquisition{URL: url, Content: content, Strategy: crawler.StrategyStatic}, nil
}

func newTestManager(t *testing.T, acq scheduler.Acquirer, store *memory.RecordStore) *Manager {
	t.Helper()
	m, err := NewManager(Config{MaxActive: 1}, Deps{
		Acquirer: acq,
		Sink:     store,
		Records:  store,
		IDs:      &seqIDs{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitFinished(t *testing.T, m *Manager, id string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func TestManagerRejectsStartWhileRunning(t *testing.T) {
	t.Parallel()

	acq := newGatedAcquirer()
	m := newTestManager(t, acq, memory.NewRecordStore())

	first, err := m.Start("https://example.com", 0)
	require.NoError(t, err)
	require.Equal(t, "session-1", first.ID)
	<-acq.started

	_, err = m.Start("https://example.org", 0)
	require.ErrorIs(t, err, ErrTooManySessions)

	close(acq.release)
	st := waitFinished(t, m, first.ID)
	require.False(t, st.IsRunning)
	require.Equal(t, scheduler.StateFinished, st.State)

	second, err := m.Start("https://example.org", 0)
	require.NoError(t, err)
	require.Equal(t, "session-2", second.ID)
	waitFinished(t, m, second.ID)
	require.Len(t, m.List(), 2)
}

func TestManagerStartRejectsInvalidSeed(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, newGatedAcquirer(), memory.NewRecordStore())
	_, err := m.Start("not a url", 1)
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
	_, err = m.Start("ftp://example.com/pub", 1)
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
	require.Empty(t, m.List())
	_, err = m.Start("https://example.com", -1)
	require.Error(t, err)
}

func TestManagerEvictsOldestFinishedSessions(t *testing.T) {
	t.Parallel()

	acq := newGatedAcquirer()
	close(acq.release)
	store := memory.NewRecordStore()
	m, err := NewManager(Config{MaxActive: 1, MaxRetained: 2}, Deps{
		Acquirer: acq,
		Sink:     store,
		Records:  store,
		IDs:      &seqIDs{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	for i := 0; i < 3; i++ {
		st, err := m.Start("https://example.com", 0)
		require.NoError(t, err)
		waitFinished(t, m, st.ID)
	}

	_, err = m.Status("session-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, store.Records("session-1"))
	require.NotEmpty(t, store.Records("session-2"))
	require.Len(t, m.List(), 2)

	st, err := m.Status("")
	require.NoError(t, err)
	require.Equal(t, "session-3", st.ID)
}

func TestManagerStopAndStatus(t *testing.T) {
	t.Parallel()

	acq := newGatedAcquirer()
	m := newTestManager(t, acq, memory.NewRecordStore())

	idle, err := m.Status("")
	require.NoError(t, err)
	require.False(t, idle.IsRunning)
	require.Equal(t, scheduler.StateIdle, idle.State)

	started, err := m.Start("https://example.com", 2)
	require.NoError(t, err)
	<-acq.started

	running, err := m.Status("")
	require.NoError(t, err)
	require.True(t, running.IsRunning)
	require.Equal(t, "https://example.com", running.CurrentURL)

	stopped, err := m.Stop("")
	require.NoError(t, err)
	require.True(t, stopped)

	close(acq.release)
	st := waitFinished(t, m, started.ID)
	require.Equal(t, 1, st.Pages)
	require.Equal(t, 1, st.Pending, "discovered link is abandoned after stop")

	stopped, err = m.Stop(started.ID)
	require.NoError(t, err)
	require.False(t, stopped)

	_, err = m.Status("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Stop("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerResultsKeepsPagesAndPrunes(t *testing.T) {
	t.Parallel()

	acq := newGatedAcquirer()
	acq.failures = map[string]bool{"https://example.com/broken": true}
	close(acq.release)
	store := memory.NewRecordStore()
	m := newTestManager(t, acq, store)

	started, err := m.Start("https://example.com", 1)
	require.NoError(t, err)
	st := waitFinished(t, m, started.ID)
	require.Equal(t, 1, st.Pages)
	require.Equal(t, 1, st.Failures)
	require.Len(t, store.Records(started.ID), 2)

	results, err := m.Results("")
	require.NoError(t, err)
	require.Len(t, results, 1)

	rec, ok := results[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "page", rec["kind"])
	require.Equal(t, "https://example.com", rec["url"])
	require.Equal(t, float64(0), rec["depth"])
	require.NotContains(t, rec, "reason")

	data, ok := rec["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Home", data["title"])
	require.NotContains(t, data, "meta_description")
	require.NotContains(t, data, "paragraphs")
	require.Equal(t, map[string]any{"h1": []any{"Welcome"}}, data["headings"])

	_, err = m.Results("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerCloseCancelsBlockedSessions(t *testing.T) {
	t.Parallel()

	acq := newGatedAcquirer()
	m := newTestManager(t, acq, memory.NewRecordStore())

	_, err := m.Start("https://example.com", 0)
	require.NoError(t, err)
	<-acq.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	_, err = m.Start("https://example.com", 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewManagerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{}, Deps{}, nil)
	require.Error(t, err)
	_, err = NewManager(Config{}, Deps{Acquirer: newGatedAcquirer(), Sink: memory.NewRecordStore()}, nil)
	require.Error(t, err)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     any
		want   any
		wantOK bool
	}{
		{name: "nil", in: nil, wantOK: false},
		{name: "empty string", in: "", wantOK: false},
		{name: "zero number kept", in: float64(0), want: float64(0), wantOK: true},
		{name: "false kept", in: false, want: false, wantOK: true},
		{name: "empty list", in: []any{"", nil, []any{}}, wantOK: false},
		{
			name:   "nested map",
			in:     map[string]any{"a": "", "b": map[string]any{"c": nil}, "d": []any{"x", ""}, "e": float64(2)},
			want:   map[string]any{"d": []any{"x"}, "e": float64(2)},
			wantOK: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Prune(tt.in)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.Equal(t, tt.want, got)
			}
		})
	}
}
