package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/phuslu/log"
)

// ChromeOptions configures the headless Chrome process.
type ChromeOptions struct {
	Headless       bool
	NoSandbox      bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
}

// Launcher starts one headless Chrome per batch.
type Launcher struct {
	chrome ChromeOptions
	opts   Options
	logger *log.Logger
}

// NewLauncher creates a launcher
func NewLauncher(chrome ChromeOptions, opts Options, logger *log.Logger) *Launcher {
	if chrome.ViewportWidth <= 0 {
		chrome.ViewportWidth = 1280
	}
	if chrome.ViewportHeight <= 0 {
		chrome.ViewportHeight = 1024
	}
	return &Launcher{chrome: chrome, opts: opts, logger: logger}
}

// Launch starts a browser bound to ctx; cancelling ctx kills it. The
// returned session must be closed by the caller.
func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	start := time.Now()
	b, err := newChromeBrowser(ctx, l.chrome)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	l.logger.Debug().Dur("startup_time", time.Since(start)).Msg("browser launched")
	return NewSession(b, l.opts, l.logger), nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	viewport    [2]int64
}

func newChromeBrowser(ctx context.Context, cfg ChromeOptions) (*chromeBrowser, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("no-sandbox", cfg.NoSandbox),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// start the browser now so launch failures surface here
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, err
	}

	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		viewport:    [2]int64{int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)},
	}, nil
}

func (b *chromeBrowser) NewTab(ctx context.Context) (Tab, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	t := &chromeTab{ctx: tabCtx, cancel: cancel}

	// first Run creates the target
	err := t.run(ctx, chromedp.EmulateViewport(b.viewport[0], b.viewport[1]))
	if err != nil {
		cancel()
		return nil, err
	}
	return t, nil
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	return err
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by ctx's cancellation and deadline.
func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		defer cancelDeadline()
	}
	return chromedp.Run(runCtx, actions...)
}

func (t *chromeTab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (t *chromeTab) OuterHTML(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (t *chromeTab) ScreenshotElement(ctx context.Context, jsPath string) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, chromedp.Screenshot(jsPath, &buf, chromedp.ByJSPath))
	return buf, err
}

func (t *chromeTab) ScreenshotClip(ctx context.Context, clip Rect) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (t *chromeTab) Close() error {
	t.cancel()
	return nil
}
