package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/clock/system"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// State is the lifecycle position of a Session.
type State string

// Session states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFinished State = "finished"
)

// ErrAlreadyStarted is returned when Run is called twice on one Session.
var ErrAlreadyStarted = errors.New("session already started")

// Acquirer obtains the content of a single URL.
type Acquirer interface {
	Acquire(ctx context.Context, url string, renderer crawler.Renderer) (crawler.Acquisition, error)
}

// Config describes one crawl.
type Config struct {
	ID       string
	SeedURL  string
	MaxDepth int
}

// Deps are the collaborators a Session drives. Renderers and Events are
// optional.
type Deps struct {
	Acquirer  Acquirer
	Renderers crawler.RendererFactory
	Sink      crawler.Sink
	Events    progress.Emitter
	Clock     crawler.Clock
}

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	ID         string    `json:"session_id"`
	SeedURL    string    `json:"url"`
	MaxDepth   int       `json:"max_depth"`
	State      State     `json:"state"`
	CurrentURL string    `json:"current_url"`
	Pages      int       `json:"pages"`
	Failures   int       `json:"failures"`
	Visited    int       `json:"visited"`
	Pending    int       `json:"pending"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Session is a single crawl run from seed to frontier exhaustion or stop.
type Session struct {
	id         string
	progressID [16]byte
	seedURL    string
	maxDepth   int

	acquirer  Acquirer
	renderers crawler.RendererFactory
	sink      crawler.Sink
	events    progress.Emitter
	clock     crawler.Clock
	logger    *zap.Logger

	stop atomic.Bool

	// frontier and visited are touched only by the Run goroutine; mu guards
	// them for concurrent readers of Snapshot and Visited.
	mu         sync.Mutex
	frontier   []crawler.CrawlTask
	visited    map[string]struct{}
	state      State
	currentURL string
	pages      int
	failures   int
	startedAt  time.Time
	finishedAt time.Time
	runErr     error

	done chan struct{}
}

// New validates cfg and returns an idle Session.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("session id is required")
	}
	seed, ok := crawler.NormalizeURL(cfg.SeedURL)
	if !ok || !isWebURL(seed) {
		return nil, fmt.Errorf("seed %q: %w", cfg.SeedURL, crawler.ErrInvalidURL)
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be >= 0, got %d", cfg.MaxDepth)
	}
	if deps.Acquirer == nil {
		return nil, errors.New("acquirer is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:         cfg.ID,
		progressID: progressID(cfg.ID),
		seedURL:    seed,
		maxDepth:   cfg.MaxDepth,
		acquirer:   deps.Acquirer,
		renderers:  deps.Renderers,
		sink:       deps.Sink,
		events:     deps.Events,
		clock:      deps.Clock,
		logger:     logger.With(zap.String("session_id", cfg.ID)),
		frontier:   []crawler.CrawlTask{{URL: seed, Depth: 0}},
		visited:    make(map[string]struct{}),
		state:      StateIdle,
		done:       make(chan struct{}),
	}, nil
}

func progressID(id string) [16]byte {
	if parsed, err := uuid.Parse(id); err == nil {
		return progress.UUIDToBytes(parsed)
	}
	return progress.UUIDToBytes(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)))
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session reaches StateFinished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop requests a cooperative stop. The URL currently being acquired, if any,
// is finished before the loop halts.
func (s *Session) Stop() {
	s.stop.Store(true)
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopping
	}
	s.mu.Unlock()
}

// Snapshot reports the current progress of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:         s.id,
		SeedURL:    s.seedURL,
		MaxDepth:   s.maxDepth,
		State:      s.state,
		CurrentURL: s.currentURL,
		Pages:      s.pages,
		Failures:   s.failures,
		Visited:    len(s.visited),
		Pending:    len(s.frontier),
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.runErr != nil {
		snap.Error = s.runErr.Error()
	}
	return snap
}

// Visited returns the visited URLs in sorted order.
func (s *Session) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.visited))
	for u := range s.visited {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Run drives the crawl until the frontier empties, Stop is called or ctx is
// canceled. The renderer is released exactly once on every path, including a
// panic inside the loop, which is reported as crawler.ErrSessionFatal.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateRunning
	if s.stop.Load() {
		s.state = StateStopping
	}
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info("crawl session started", zap.String("seed", s.seedURL), zap.Int("max_depth", s.maxDepth))
	s.emit(progress.Event{Stage: progress.StageSessionStart, URL: s.seedURL})

	var renderer crawler.Renderer
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", crawler.ErrSessionFatal, r)
			s.logger.Error("crawl session aborted", zap.Any("panic", r))
		}
		s.releaseRenderer(renderer)
		s.finish(err)
	}()

	renderer = s.openRenderer(ctx)
	return s.loop(ctx, renderer)
}

func (s *Session) loop(ctx context.Context, renderer crawler.Renderer) error {
	for {
		if s.stop.Load() {
			s.logger.Info("crawl stopped", zap.Int("abandoned", s.pending()))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		task, ok := s.dequeue()
		if !ok {
			return nil
		}
		url, ok := crawler.NormalizeURL(task.URL)
		if !ok {
			s.logger.Debug("skipping invalid url", zap.String("url", task.URL))
			continue
		}
		if task.Depth > s.maxDepth || !s.markVisited(url) {
			continue
		}
		s.process(ctx, renderer, crawler.CrawlTask{URL: url, Depth: task.Depth})
	}
}

func (s *Session) process(ctx context.Context, renderer crawler.Renderer, task crawler.CrawlTask) {
	logger := s.logger.With(zap.String("url", task.URL), zap.Int("depth", task.Depth))
	s.setCurrent(task.URL)
	defer s.setCurrent("")

	acq, err := s.acquirer.Acquire(ctx, task.URL, renderer)
	if err != nil {
		logAcquireFailure(logger, err)
		s.recordFailure(ctx, task, err)
		return
	}
	logger.Info("page acquired",
		zap.String("strategy", string(acq.Strategy)),
		zap.Duration("duration", acq.Duration),
		zap.Int("links", len(acq.Links())),
	)
	s.recordPage(ctx, task, acq)

	if task.Depth >= s.maxDepth {
		return
	}
	added := s.enqueueLinks(acq.Links(), task.Depth+1)
	logger.Debug("links enqueued", zap.Int("count", added))
}

func logAcquireFailure(logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, crawler.ErrPossiblyBlocked):
		logger.Warn("page possibly blocked", zap.Error(err))
	case errors.Is(err, crawler.ErrRenderTimeout):
		logger.Warn("page render timed out", zap.Error(err))
	default:
		logger.Warn("page acquisition failed", zap.Error(err))
	}
}

func (s *Session) recordPage(ctx context.Context, task crawler.CrawlTask, acq crawler.Acquisition) {
	content := acq.Content
	rec := crawler.Record{
		SessionID:  s.id,
		Kind:       crawler.RecordPage,
		URL:        task.URL,
		Depth:      task.Depth,
		Title:      content.Title,
		Strategy:   acq.Strategy,
		Data:       &content,
		RecordedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.pages++
	s.mu.Unlock()
	s.write(ctx, rec)
	s.emit(progress.Event{
		Stage:    progress.StagePageDone,
		URL:      task.URL,
		Depth:    task.Depth,
		Strategy: string(acq.Strategy),
		Dur:      acq.Duration,
	})
}

func (s *Session) recordFailure(ctx context.Context, task crawler.CrawlTask, cause error) {
	rec := crawler.Record{
		SessionID:  s.id,
		Kind:       crawler.RecordFailure,
		URL:        task.URL,
		Depth:      task.Depth,
		Reason:     cause.Error(),
		RecordedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	s.write(ctx, rec)
	s.emit(progress.Event{
		Stage: progress.StagePageFailed,
		URL:   task.URL,
		Depth: task.Depth,
		Note:  cause.Error(),
	})
}

func (s *Session) write(ctx context.Context, rec crawler.Record) {
	if err := s.sink.Emit(ctx, rec); err != nil {
		s.logger.Error("emit record failed", zap.String("url", rec.URL), zap.Error(err))
	}
}

// enqueueLinks appends internal, unvisited links at depth. Links already
// pending are not checked; duplicates collapse at dequeue.
func (s *Session) enqueueLinks(links []string, depth int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, link := range links {
		normalized, ok := crawler.NormalizeURL(link)
		if !ok || !crawler.IsInternal(s.seedURL, normalized) {
			continue
		}
		if _, seen := s.visited[normalized]; seen {
			continue
		}
		s.frontier = append(s.frontier, crawler.CrawlTask{URL: normalized, Depth: depth})
		added++
	}
	return added
}

func (s *Session) dequeue() (crawler.CrawlTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frontier) == 0 {
		return crawler.CrawlTask{}, false
	}
	task := s.frontier[0]
	s.frontier[0] = crawler.CrawlTask{}
	s.frontier = s.frontier[1:]
	return task, true
}

func (s *Session) markVisited(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.visited[url]; seen {
		return false
	}
	s.visited[url] = struct{}{}
	return true
}

func (s *Session) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frontier)
}

func (s *Session) setCurrent(url string) {
	s.mu.Lock()
	s.currentURL = url
	s.mu.Unlock()
}

func (s *Session) openRenderer(ctx context.Context) crawler.Renderer {
	if s.renderers == nil {
		s.logger.Info("renderer disabled, crawling static only")
		return nil
	}
	renderer, err := s.renderers(ctx)
	if err != nil {
		s.logger.Warn("renderer unavailable, crawling static only", zap.Error(err))
		return nil
	}
	return renderer
}

func (s *Session) releaseRenderer(renderer crawler.Renderer) {
	if renderer == nil {
		return
	}
	if err := renderer.Release(); err != nil {
		s.logger.Warn("renderer release failed", zap.Error(err))
	}
}

func (s *Session) finish(runErr error) {
	s.mu.Lock()
	s.state = StateFinished
	s.currentURL = ""
	s.finishedAt = s.clock.Now()
	s.runErr = runErr
	runtime := s.finishedAt.Sub(s.startedAt)
	pages, failures := s.pages, s.failures
	s.mu.Unlock()

	stage := progress.StageSessionDone
	if runErr != nil {
		stage = progress.StageSessionError
		s.logger.Error("crawl session failed", zap.Error(runErr), zap.Int("pages", pages), zap.Int("failures", failures))
	} else {
		s.logger.Info("crawl session finished", zap.Int("pages", pages), zap.Int("failures", failures))
	}
	evt := progress.Event{Stage: stage, Dur: max(runtime, 0)}
	if runErr != nil {
		evt.Note = runErr.Error()
	}
	s.emit(evt)
	close(s.done)
}

func (s *Session) emit(evt progress.Event) {
	evt.SessionID = s.progressID
	evt.TS = s.clock.Now()
	s.events.Emit(evt)
}

// isWebURL reports whether a normalized url uses a scheme the fetchers speak.
func isWebURL(normalized string) bool {
	return strings.HasPrefix(normalized, "http://") || strings.HasPrefix(normalized, "https://")
}
