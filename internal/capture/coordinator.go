package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
)

var errEmptyScreenshot = errors.New("empty screenshot")

// Strategy records how an image was captured.
type Strategy string

const (
	StrategyElement  Strategy = "element"
	StrategyPageArea Strategy = "page-area"
)

// Rect is a page-area clip in CSS pixels.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Result is one successful capture.
type Result struct {
	PNG      []byte
	Strategy Strategy
	Selector string
	ImageSrc string
}

// Options controls a capture session.
type Options struct {
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	Selectors         []string
	ChromeFilters     []string
	FallbackClip      Rect
}

// WithDefaults fills zero fields
func (o Options) WithDefaults() Options {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if len(o.Selectors) == 0 {
		o.Selectors = DefaultSelectors
	}
	if o.ChromeFilters == nil {
		o.ChromeFilters = DefaultChromeFilters
	}
	if o.FallbackClip.Width <= 0 || o.FallbackClip.Height <= 0 {
		o.FallbackClip = Rect{X: 0, Y: 120, Width: 800, Height: 800}
	}
	return o
}

// Browser is a running browser that hands out tabs.
type Browser interface {
	NewTab(ctx context.Context) (Tab, error)
	Close() error
}

// Tab is one page. Close must be safe to call more than once.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	OuterHTML(ctx context.Context) (string, error)
	ScreenshotElement(ctx context.Context, jsPath string) ([]byte, error)
	ScreenshotClip(ctx context.Context, clip Rect) ([]byte, error)
	Close() error
}

// Session owns one browser for the duration of a batch. Captures may run
// concurrently; each opens its own tab.
type Session struct {
	browser   Browser
	opts      Options
	logger    *log.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an already running browser
func NewSession(browser Browser, opts Options, logger *log.Logger) *Session {
	return &Session{
		browser: browser,
		opts:    opts.WithDefaults(),
		logger:  logger,
	}
}

// Capture renders sourceURL and returns a PNG of the pet's primary photo,
// falling back to a fixed page area when no photo element qualifies.
func (s *Session) Capture(ctx context.Context, sourceURL string) (*Result, error) {
	tab, err := s.browser.NewTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open tab: %v", ErrNavigation, err)
	}
	defer tab.Close()
	stop := context.AfterFunc(ctx, func() { tab.Close() })
	defer stop()

	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	err = tab.Navigate(navCtx, sourceURL)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigation, sourceURL, err)
	}

	if s.opts.SettleDelay > 0 {
		select {
		case <-time.After(s.opts.SettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if res := s.captureElement(ctx, tab, sourceURL); res != nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	png, err := tab.ScreenshotClip(ctx, s.opts.FallbackClip)
	if err == nil && len(png) == 0 {
		err = errEmptyScreenshot
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: fallback clip: %v", ErrNoImageFound, sourceURL, err)
	}

	s.logger.Debug().Str("url", sourceURL).Msg("captured fallback page area")
	return &Result{PNG: png, Strategy: StrategyPageArea}, nil
}

// captureElement returns nil when no element could be captured so the
// caller falls back to the page area.
func (s *Session) captureElement(ctx context.Context, tab Tab, sourceURL string) *Result {
	html, err := tab.OuterHTML(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", sourceURL).Msg("read dom failed")
		return nil
	}

	match, err := SelectPhoto(html, s.opts.Selectors, s.opts.ChromeFilters)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", sourceURL).Msg("evaluate selectors failed")
		return nil
	}
	if match == nil {
		return nil
	}

	png, err := tab.ScreenshotElement(ctx, match.JSPath())
	if err != nil || len(png) == 0 {
		s.logger.Warn().Err(err).Str("url", sourceURL).Str("selector", match.Selector).Msg("element screenshot failed")
		return nil
	}

	return &Result{
		PNG:      png,
		Strategy: StrategyElement,
		Selector: match.Selector,
		ImageSrc: match.Src,
	}
}

// Close releases the browser. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.browser.Close()
	})
	return s.closeErr
}
