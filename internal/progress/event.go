package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
	StagePageDone     Stage = "PAGE_DONE"
	StagePageFailed   Stage = "PAGE_FAILED"
)

// Event captures a single step of crawl progress.
type Event struct {
	// SessionID identifies the crawl session in 16-byte UUID form.
	SessionID [16]byte
	TS        time.Time
	Stage     Stage
	// URL is set for page events.
	URL   string
	Depth int
	// Strategy is "static" or "rendered" for completed pages.
	Strategy string
	// Dur is the page acquisition latency or the session runtime.
	Dur time.Duration
	// Note carries low-volume context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionError:
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page done requires url")
		}
		if e.Strategy == "" {
			return errors.New("page done requires strategy")
		}
	case StagePageFailed:
		if e.URL == "" {
			return errors.New("page failed requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
