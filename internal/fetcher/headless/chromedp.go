// Package headless drives a real Chrome tab through chromedp for pages that
// only produce content after JavaScript runs.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/corpix/uarand"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultStartTimeout = 30 * time.Second
)

// Config controls the behavior of the Chrome renderer. An empty UserAgent
// selects a random browser user agent per session.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	ShowBrowser       bool
	AcceptLanguage    string
}

// Renderer implements crawler.Renderer on a single long-lived Chrome tab.
type Renderer struct {
	cfg         Config
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	released    atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

// NewChromedp launches Chrome and opens the tab used for the whole session.
// Startup failures wrap crawler.ErrRendererUnavailable.
func NewChromedp(ctx context.Context, cfg Config) (*Renderer, error) {
	cfg = withDefaults(cfg, uarand.GetRandom)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	r := &Renderer{
		cfg:         cfg,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}
	if err := r.run(ctx, defaultStartTimeout, r.networkSetupAction()); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", errors.Join(crawler.ErrRendererUnavailable, err))
	}
	return r, nil
}

// Factory adapts NewChromedp to crawler.RendererFactory.
func Factory(cfg Config) crawler.RendererFactory {
	return func(ctx context.Context) (crawler.Renderer, error) {
		r, err := NewChromedp(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func withDefaults(cfg Config, pickUserAgent func() string) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.UserAgent == "" && pickUserAgent != nil {
		cfg.UserAgent = pickUserAgent()
	}
	return cfg
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !cfg.ShowBrowser),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Navigate loads url in the session tab.
func (r *Renderer) Navigate(ctx context.Context, url string) error {
	if err := r.run(ctx, r.navTimeout(), chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	return nil
}

// WaitForBody blocks until the document has a ready <body>. Exceeding timeout
// yields crawler.ErrRenderTimeout.
func (r *Renderer) WaitForBody(ctx context.Context, timeout time.Duration) error {
	err := r.run(ctx, timeout, chromedp.WaitReady("body", chromedp.ByQuery))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w after %s", crawler.ErrRenderTimeout, timeout)
	default:
		return fmt.Errorf("chromedp wait for body: %w", err)
	}
}

// ExecuteScript evaluates script in the page and returns its primitive value
// decoded from JSON. Undefined results are returned as nil.
func (r *Renderer) ExecuteScript(ctx context.Context, script string) (any, error) {
	var obj *runtime.RemoteObject
	if err := r.run(ctx, r.navTimeout(), chromedp.Evaluate(script, &obj)); err != nil {
		return nil, fmt.Errorf("chromedp evaluate: %w", err)
	}
	return decodeRemoteObject(obj)
}

// PageSource returns the outer HTML of the current document.
func (r *Renderer) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := r.run(ctx, r.navTimeout(), chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("chromedp outer html: %w", err)
	}
	return html, nil
}

// Release closes the tab and shuts the browser down. Only the first call has
// any effect; later calls return the first result.
func (r *Renderer) Release() error {
	r.releaseOnce.Do(func() {
		r.released.Store(true)
		if chromedp.FromContext(r.tabCtx) != nil {
			if err := chromedp.Cancel(r.tabCtx); err != nil && !errors.Is(err, context.Canceled) {
				r.releaseErr = fmt.Errorf("close chrome: %w", err)
			}
		}
		if r.tabCancel != nil {
			r.tabCancel()
		}
		if r.allocCancel != nil {
			r.allocCancel()
		}
	})
	return r.releaseErr
}

// run executes actions on the session tab, bounded by timeout and aborted
// when ctx is canceled. The tab itself outlives ctx.
func (r *Renderer) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if r.released.Load() {
		return crawler.ErrRendererUnavailable
	}
	runCtx, cancel := context.WithCancel(r.tabCtx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(r.cfg.UserAgent)
			if r.cfg.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(r.cfg.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}
		if r.cfg.AcceptLanguage != "" {
			headers := network.Headers{"Accept-Language": r.cfg.AcceptLanguage}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func decodeRemoteObject(obj *runtime.RemoteObject) (any, error) {
	if obj == nil || obj.Type == runtime.TypeUndefined || len(obj.Value) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(obj.Value), &out); err != nil {
		return nil, fmt.Errorf("decode script result: %w", err)
	}
	return out, nil
}
