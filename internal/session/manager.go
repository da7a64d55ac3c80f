// Package session keeps the registry of crawl sessions behind the control API.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/scheduler"
)

var (
	// ErrTooManySessions is returned when the active session limit is reached.
	ErrTooManySessions = errors.New("a crawl is already running")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session manager closed")
)

// RecordReader returns the records captured for a session in emit order.
type RecordReader interface {
	Records(sessionID string) []crawler.Record
}

// recordForgetter is implemented by readers that can drop an evicted
// session's records.
type recordForgetter interface {
	Forget(sessionID string)
}

// Config bounds the registry.
type Config struct {
	// MaxActive is the number of sessions allowed to run at once.
	MaxActive int
	// MaxRetained caps how many sessions stay queryable. The oldest finished
	// sessions are evicted first. Zero keeps every session.
	MaxRetained int
}

// Deps are shared by every session the Manager starts.
type Deps struct {
	Acquirer  scheduler.Acquirer
	Renderers crawler.RendererFactory
	Sink      crawler.Sink
	Records   RecordReader
	Events    progress.Emitter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Status is the control-surface view of a session.
type Status struct {
	IsRunning bool `json:"is_running"`
	scheduler.Snapshot
}

// Manager starts, tracks and stops crawl sessions. Each session runs its own
// sequential loop on a background goroutine.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*scheduler.Session
	order    []string
	latest   string
	closed   bool
}

// NewManager constructs a Manager.
func NewManager(cfg Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	if deps.Acquirer == nil || deps.Sink == nil {
		return nil, errors.New("acquirer and sink are required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*scheduler.Session),
	}, nil
}

// Start launches a crawl of seedURL in the background. The request context is
// not used for the crawl itself; sessions live until they finish, are stopped
// or the Manager is closed.
func (m *Manager) Start(seedURL string, maxDepth int) (Status, error) {
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return Status{}, fmt.Errorf("new session id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Status{}, ErrClosed
	}
	if m.activeLocked() >= m.cfg.MaxActive {
		return Status{}, ErrTooManySessions
	}
	sess, err := scheduler.New(scheduler.Config{
		ID:       id,
		SeedURL:  seedURL,
		MaxDepth: maxDepth,
	}, scheduler.Deps{
		Acquirer:  m.deps.Acquirer,
		Renderers: m.deps.Renderers,
		Sink:      m.deps.Sink,
		Events:    m.deps.Events,
		Clock:     m.deps.Clock,
	}, m.logger)
	if err != nil {
		return Status{}, fmt.Errorf("create session: %w", err)
	}
	m.sessions[id] = sess
	m.order = append(m.order, id)
	m.latest = id
	m.evictLocked()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := sess.Run(m.ctx); err != nil {
			m.logger.Error("crawl session ended with error", zap.String("session_id", id), zap.Error(err))
		}
	}()
	m.logger.Info("crawl session registered", zap.String("session_id", id), zap.String("url", seedURL))
	return statusOf(sess), nil
}

// Stop signals the cooperative stop of a session. An empty id selects the
// most recently started session. The returned bool reports whether a running
// session received the signal.
func (m *Manager) Stop(id string) (bool, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if !isRunning(sess) {
		return false, nil
	}
	sess.Stop()
	m.logger.Info("stop requested", zap.String("session_id", sess.ID()))
	return true, nil
}

// Status reports a session. An empty id selects the most recent session; when
// nothing has been started it returns an idle status.
func (m *Manager) Status(id string) (Status, error) {
	sess, err := m.lookup(id)
	if errors.Is(err, ErrNotFound) && id == "" {
		return Status{Snapshot: scheduler.Snapshot{State: scheduler.StateIdle}}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return statusOf(sess), nil
}

// List returns every known session, newest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, statusOf(sess))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Results returns the successful page records of a session with empty, null
// and absent fields removed at every level.
func (m *Manager) Results(id string) ([]any, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if m.deps.Records == nil {
		return []any{}, nil
	}
	out := []any{}
	for _, rec := range m.deps.Records.Records(sess.ID()) {
		if rec.Kind != crawler.RecordPage || rec.Data == nil {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		if pruned, ok := Prune(generic); ok {
			out = append(out, pruned)
		}
	}
	return out, nil
}

// Wait blocks until the session finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-sess.Done():
		return statusOf(sess), nil
	case <-ctx.Done():
		return statusOf(sess), fmt.Errorf("wait for session: %w", ctx.Err())
	}
}

// Close stops every running session and waits for their loops to exit. The
// manager context is canceled only if ctx expires first.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, sess := range m.sessions {
		sess.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) (*scheduler.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.latest
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// evictLocked drops the oldest finished sessions beyond MaxRetained, along
// with their in-memory records. Running sessions are never evicted.
func (m *Manager) evictLocked() {
	if m.cfg.MaxRetained <= 0 {
		return
	}
	excess := len(m.order) - m.cfg.MaxRetained
	if excess <= 0 {
		return
	}
	forgetter, _ := m.deps.Records.(recordForgetter)
	kept := m.order[:0]
	for _, id := range m.order {
		sess := m.sessions[id]
		if excess > 0 && id != m.latest && !isRunning(sess) {
			delete(m.sessions, id)
			if forgetter != nil {
				forgetter.Forget(id)
			}
			m.logger.Debug("evicted finished session", zap.String("session_id", id))
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) activeLocked() int {
	active := 0
	for _, sess := range m.sessions {
		if isRunning(sess) {
			active++
		}
	}
	return active
}

func isRunning(sess *scheduler.Session) bool {
	select {
	case <-sess.Done():
		return false
	default:
		return true
	}
}

func statusOf(sess *scheduler.Session) Status {
	return Status{IsRunning: isRunning(sess), Snapshot: sess.Snapshot()}
}
