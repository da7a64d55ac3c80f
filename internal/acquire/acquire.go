// Package acquire obtains page content with a static fetch first and falls
// back to a rendering browser when the static result looks JavaScript-driven.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/extract"
)

const (
	scrollHeightScript   = "document.body.scrollHeight"
	scrollToBottomScript = "window.scrollTo(0, document.body.scrollHeight)"

	defaultPageLoadTimeout = 60 * time.Second
	defaultScrollInterval  = time.Second
	defaultMaxScrollSteps  = 50
	defaultAcceptLanguage  = "en-US,en;q=0.9"
)

// Detector decides whether extracted static content needs a rendered fetch.
type Detector interface {
	RequiresJS(content *crawler.ExtractedContent) bool
}

// Config controls acquisition timing.
type Config struct {
	// Delay is the politeness pause before every static fetch.
	Delay           time.Duration
	PageLoadTimeout time.Duration
	ScrollInterval  time.Duration
	// MaxScrollSteps caps auto-scrolling on pages that keep growing.
	MaxScrollSteps int
	AcceptLanguage string
}

// Acquirer runs the static-then-rendered acquisition policy for one URL.
type Acquirer struct {
	fetcher  crawler.Fetcher
	detector Detector
	pauser   crawler.Pauser
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Acquirer. A nil pauser sleeps on a real timer.
func New(fetcher crawler.Fetcher, detector Detector, pauser crawler.Pauser, cfg Config, logger *zap.Logger) *Acquirer {
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = defaultPageLoadTimeout
	}
	if cfg.ScrollInterval <= 0 {
		cfg.ScrollInterval = defaultScrollInterval
	}
	if cfg.MaxScrollSteps <= 0 {
		cfg.MaxScrollSteps = defaultMaxScrollSteps
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = defaultAcceptLanguage
	}
	return &Acquirer{
		fetcher:  fetcher,
		detector: detector,
		pauser:   pauser,
		cfg:      cfg,
		logger:   logger,
	}
}

// Acquire returns the page content for url. renderer may be nil, in which
// case a page that needs rendering fails instead of returning partial data.
// A non-nil error always means no content was obtained.
func (a *Acquirer) Acquire(ctx context.Context, url string, renderer crawler.Renderer) (crawler.Acquisition, error) {
	start := time.Now()
	content, status, staticErr := a.fetchStatic(ctx, url)

	var candidate *crawler.ExtractedContent
	if staticErr == nil {
		candidate = &content
	}
	if !a.detector.RequiresJS(candidate) {
		return crawler.Acquisition{
			URL:        url,
			Content:    content,
			Strategy:   crawler.StrategyStatic,
			StatusCode: status,
			Duration:   time.Since(start),
		}, nil
	}
	if err := ctx.Err(); err != nil {
		return crawler.Acquisition{}, fmt.Errorf("acquire canceled: %w", err)
	}
	if renderer == nil {
		if staticErr != nil {
			return crawler.Acquisition{}, errors.Join(staticErr, crawler.ErrRendererUnavailable)
		}
		return crawler.Acquisition{}, fmt.Errorf("page requires javascript: %w", crawler.ErrRendererUnavailable)
	}

	a.logger.Info("falling back to rendered fetch", zap.String("url", url), zap.Int("static_status", status))
	rendered, err := a.fetchRendered(ctx, url, renderer)
	if err != nil {
		return crawler.Acquisition{}, err
	}
	return crawler.Acquisition{
		URL:        url,
		Content:    rendered,
		Strategy:   crawler.StrategyRendered,
		StatusCode: status,
		Duration:   time.Since(start),
	}, nil
}

func (a *Acquirer) fetchStatic(ctx context.Context, url string) (crawler.ExtractedContent, int, error) {
	a.pauser.Pause(ctx, a.cfg.Delay)
	if err := ctx.Err(); err != nil {
		return crawler.ExtractedContent{}, 0, fmt.Errorf("static fetch canceled: %w", err)
	}

	resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     url,
		Headers: http.Header{"Accept-Language": {a.cfg.AcceptLanguage}},
	})
	if err != nil {
		a.logger.Warn("static fetch failed", zap.String("url", url), zap.Error(err))
		return crawler.ExtractedContent{}, 0, fmt.Errorf("%w: %w", crawler.ErrFetchFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden:
		a.logger.Warn("static fetch forbidden, possibly bot protection", zap.String("url", url))
		return crawler.ExtractedContent{}, resp.StatusCode, fmt.Errorf("%w: status %d", crawler.ErrPossiblyBlocked, resp.StatusCode)
	default:
		a.logger.Warn("static fetch returned non-200", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return crawler.ExtractedContent{}, resp.StatusCode, fmt.Errorf("%w: status %d", crawler.ErrFetchFailed, resp.StatusCode)
	}

	base := resp.URL
	if base == "" {
		base = url
	}
	return extract.Extract(string(resp.Body), base), resp.StatusCode, nil
}

func (a *Acquirer) fetchRendered(ctx context.Context, url string, renderer crawler.Renderer) (crawler.ExtractedContent, error) {
	if err := renderer.Navigate(ctx, url); err != nil {
		a.logger.Warn("rendered navigate failed", zap.String("url", url), zap.Error(err))
		return crawler.ExtractedContent{}, fmt.Errorf("render navigate: %w", err)
	}
	if err := renderer.WaitForBody(ctx, a.cfg.PageLoadTimeout); err != nil {
		a.logger.Warn("rendered page never produced a body", zap.String("url", url), zap.Error(err))
		return crawler.ExtractedContent{}, fmt.Errorf("render wait: %w", err)
	}
	if err := a.autoScroll(ctx, renderer); err != nil {
		a.logger.Warn("auto-scroll failed", zap.String("url", url), zap.Error(err))
		return crawler.ExtractedContent{}, fmt.Errorf("render scroll: %w", err)
	}
	html, err := renderer.PageSource(ctx)
	if err != nil {
		a.logger.Warn("rendered page source failed", zap.String("url", url), zap.Error(err))
		return crawler.ExtractedContent{}, fmt.Errorf("render source: %w", err)
	}
	return extract.Extract(html, url), nil
}

// autoScroll scrolls to the bottom until the document height stops growing
// or MaxScrollSteps is reached.
func (a *Acquirer) autoScroll(ctx context.Context, renderer crawler.Renderer) error {
	last, err := scrollHeight(ctx, renderer)
	if err != nil {
		return err
	}
	for step := 0; step < a.cfg.MaxScrollSteps; step++ {
		if _, err := renderer.ExecuteScript(ctx, scrollToBottomScript); err != nil {
			return fmt.Errorf("scroll to bottom: %w", err)
		}
		a.pauser.Pause(ctx, a.cfg.ScrollInterval)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scroll canceled: %w", err)
		}
		height, err := scrollHeight(ctx, renderer)
		if err != nil {
			return err
		}
		if height == last {
			return nil
		}
		last = height
	}
	a.logger.Debug("auto-scroll stopped at step limit", zap.Int("steps", a.cfg.MaxScrollSteps))
	return nil
}

func scrollHeight(ctx context.Context, renderer crawler.Renderer) (float64, error) {
	value, err := renderer.ExecuteScript(ctx, scrollHeightScript)
	if err != nil {
		return 0, fmt.Errorf("read scroll height: %w", err)
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("read scroll height: unexpected %T", value)
	}
}
