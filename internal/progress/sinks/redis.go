package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sitecrawler/internal/progress"
)

const (
	defaultStatusPrefix = "crawler:session:"
	defaultStatusTTL    = 24 * time.Hour
)

// RedisStatusConfig controls where session snapshots are written.
type RedisStatusConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// SessionStatus is the JSON document stored per session.
type SessionStatus struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	CurrentURL string    `json:"current_url,omitempty"`
	Pages      int       `json:"pages"`
	Failures   int       `json:"failures"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type statusClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStatusSink mirrors per-session progress into Redis so other processes
// can poll crawl status without reaching the control API.
type RedisStatusSink struct {
	client statusClient
	prefix string
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[[16]byte]*SessionStatus
}

// NewRedisStatusSink connects a sink to the Redis server at cfg.Addr.
func NewRedisStatusSink(cfg RedisStatusConfig) (*RedisStatusSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStatusSinkWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisStatusSinkWithClient builds a sink on an existing client (tests).
func NewRedisStatusSinkWithClient(client statusClient, prefix string, ttl time.Duration) *RedisStatusSink {
	if prefix == "" {
		prefix = defaultStatusPrefix
	}
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &RedisStatusSink{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		sessions: make(map[[16]byte]*SessionStatus),
	}
}

// Key returns the Redis key holding sessionID's status.
func (s *RedisStatusSink) Key(sessionID string) string {
	return s.prefix + sessionID
}

// Consume folds batch into the tracked sessions and writes each touched
// session once.
func (s *RedisStatusSink) Consume(ctx context.Context, batch []progress.Event) error {
	touched, finished := s.apply(batch)

	var errs []error
	for _, status := range touched {
		payload, err := json.Marshal(status)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal session status: %w", err))
			continue
		}
		if err := s.client.Set(ctx, s.Key(status.SessionID), payload, s.ttl).Err(); err != nil {
			errs = append(errs, fmt.Errorf("write session status %s: %w", status.SessionID, err))
		}
	}

	s.mu.Lock()
	for _, id := range finished {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// apply returns copies of the sessions changed by batch, in first-touch
// order, plus the ids that reached a terminal state.
func (s *RedisStatusSink) apply(batch []progress.Event) ([]SessionStatus, [][16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var order [][16]byte
	seen := map[[16]byte]bool{}
	var finished [][16]byte
	for _, evt := range batch {
		status, ok := s.sessions[evt.SessionID]
		if !ok {
			status = &SessionStatus{
				SessionID: evt.SessionUUID().String(),
				State:     "running",
				StartedAt: evt.TS.UTC(),
			}
			s.sessions[evt.SessionID] = status
		}
		switch evt.Stage {
		case progress.StageSessionStart:
			status.StartedAt = evt.TS.UTC()
		case progress.StagePageDone:
			status.Pages++
			status.CurrentURL = evt.URL
		case progress.StagePageFailed:
			status.Failures++
			status.CurrentURL = evt.URL
		case progress.StageSessionDone:
			status.State = "finished"
			finished = append(finished, evt.SessionID)
		case progress.StageSessionError:
			status.State = "finished"
			status.Error = evt.Note
			finished = append(finished, evt.SessionID)
		}
		status.UpdatedAt = evt.TS.UTC()
		if !seen[evt.SessionID] {
			seen[evt.SessionID] = true
			order = append(order, evt.SessionID)
		}
	}

	out := make([]SessionStatus, 0, len(order))
	for _, id := range order {
		out = append(out, *s.sessions[id])
	}
	return out, finished
}

// Close releases the Redis client.
func (s *RedisStatusSink) Close(context.Context) error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
