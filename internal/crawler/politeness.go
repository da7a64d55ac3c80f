package crawler

import (
	"context"
	"time"
)

// Pauser abstracts how the crawl waits between requests.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// TimerPauser sleeps for the requested delay or until ctx is done.
type TimerPauser struct{}

// Pause blocks for delay. It returns early when ctx is canceled.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
