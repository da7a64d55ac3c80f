package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	pages        *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sessions_started_total",
			Help: "Total crawl sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sessions_completed_total",
			Help: "Total crawl sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_sessions_running",
			Help: "Current number of running crawl sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_session_runtime_seconds",
			Help:    "Wall time per completed crawl session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Processed pages partitioned by outcome and acquisition strategy.",
		}, []string{"outcome", "strategy"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_page_duration_seconds",
			Help:    "Page acquisition latency partitioned by strategy.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"strategy"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.pages,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.finishSession(evt, "success")
	case progress.StageSessionError:
		s.finishSession(evt, "error")
	case progress.StagePageDone:
		s.pages.WithLabelValues("success", evt.Strategy).Inc()
		if evt.Dur > 0 {
			s.pageDuration.WithLabelValues(evt.Strategy).Observe(evt.Dur.Seconds())
		}
	case progress.StagePageFailed:
		strategy := evt.Strategy
		if strategy == "" {
			strategy = "none"
		}
		s.pages.WithLabelValues("failure", strategy).Inc()
	}
}

func (s *PrometheusSink) finishSession(evt progress.Event, result string) {
	s.sessionsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
