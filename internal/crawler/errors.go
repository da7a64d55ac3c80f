package crawler

import (
	"errors"
	"fmt"
)

// Failure kinds reported for a single URL or a whole session.
var (
	ErrInvalidURL          = errors.New("invalid url")
	ErrFetchFailed         = errors.New("fetch failed")
	ErrPossiblyBlocked     = fmt.Errorf("%w: possibly blocked", ErrFetchFailed)
	ErrRenderTimeout       = errors.New("render timed out waiting for body")
	ErrRendererUnavailable = errors.New("renderer unavailable")
	ErrSessionFatal        = errors.New("session aborted")
)
