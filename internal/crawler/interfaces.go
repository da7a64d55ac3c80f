package crawler

import (
	"context"
	"time"
)

// Fetcher performs a plain HTTP GET and returns the body plus metadata.
// A non-nil error means the request never produced a response.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer drives a real browser tab. Implementations are owned by a single
// crawl session and are not safe for concurrent use.
type Renderer interface {
	Navigate(ctx context.Context, url string) error
	WaitForBody(ctx context.Context, timeout time.Duration) error
	ExecuteScript(ctx context.Context, script string) (any, error)
	PageSource(ctx context.Context) (string, error)
	Release() error
}

// RendererFactory creates a renderer for a new crawl session.
type RendererFactory func(ctx context.Context) (Renderer, error)

// Sink receives crawl records. Emit must not retain rec.Data beyond the call
// unless it treats it as read-only.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
