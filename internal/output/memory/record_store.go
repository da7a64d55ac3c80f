// Package memory keeps crawl records in process for result retrieval and
// live streaming.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const defaultSubscriberBuffer = 256

// RecordStore is an in-memory crawler.Sink that also broadcasts each record
// to live subscribers. Slow subscribers lose records instead of blocking the
// crawl.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string][]crawler.Record
	subs    map[int]chan crawler.Record
	nextSub int
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string][]crawler.Record),
		subs:    make(map[int]chan crawler.Record),
	}
}

// Emit appends rec to its session and notifies subscribers.
func (s *RecordStore) Emit(_ context.Context, rec crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}

// Records returns a copy of the records emitted for sessionID, in order.
func (s *RecordStore) Records(sessionID string) []crawler.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.records[sessionID]
	out := make([]crawler.Record, len(src))
	copy(out, src)
	return out
}

// Forget drops every record kept for sessionID.
func (s *RecordStore) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.records, sessionID)
	s.mu.Unlock()
}

// Subscribe registers a live listener. The returned cancel function must be
// called to unregister; it closes the channel.
func (s *RecordStore) Subscribe(buffer int) (<-chan crawler.Record, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan crawler.Record, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
