package headless

import (
	"context"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Disabled is the renderer factory used when headless rendering is turned
// off. Sessions built with it run in static-only mode.
func Disabled() crawler.RendererFactory {
	return func(context.Context) (crawler.Renderer, error) {
		return nil, crawler.ErrRendererUnavailable
	}
}
