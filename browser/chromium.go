package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/yllada/sessionctl/common"
)

// ChromeLauncher launches Chromium with a persistent user data dir.
type ChromeLauncher struct {
	ExecutablePath string
	Locator        Locator

	log *zap.Logger
}

// NewChromeLauncher creates a launcher. locator may be nil.
func NewChromeLauncher(executablePath string, locator Locator, logger *zap.Logger) *ChromeLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeLauncher{
		ExecutablePath: executablePath,
		Locator:        locator,
		log:            logger.Named("chromium"),
	}
}

// allocatorOptions configures the flags for the browser executable.
func (l *ChromeLauncher) allocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	fp := opts.Fingerprint
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	allocOpts = append(allocOpts,
		chromedp.UserDataDir(opts.UserDataDir),
		chromedp.WindowSize(fp.Screen.AvailWidth, fp.Screen.AvailHeight),
		chromedp.UserAgent(fp.UserAgent),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("lang", opts.locale()),

		// Automation markers
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),

		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-default-apps", true),
	)
	if opts.DisableTheming {
		allocOpts = append(allocOpts, chromedp.Flag("force-color-profile", "srgb"), chromedp.Flag("disable-features", "WebContentsForceDark"))
	}
	if l.ExecutablePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecutablePath))
	}
	return allocOpts
}

// Launch implements Launcher.
func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Context, Page, error) {
	if err := validateLaunch(ctx, opts); err != nil {
		return nil, nil, err
	}
	script, err := InitScript(opts.Fingerprint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrBrowserLaunch, err)
	}

	// The browser outlives the launch call; Close ends it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), l.allocatorOptions(opts)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.log.Sugar().Debugf),
		chromedp.WithErrorf(l.log.Sugar().Errorf),
	)
	c := newChromeContext(tabCtx, func() { tabCancel(); allocCancel() }, l.log)
	c.delay = humanizeDelay(opts.Humanize)

	if err := startTab(ctx, tabCtx, tabCancel); err != nil {
		c.cancel()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: chromium: %v", common.ErrBrowserLaunch, err)
	}
	c.watchTarget()

	actions := l.setupActions(ctx, opts, script)
	if err := runBound(ctx, tabCtx, actions...); err != nil {
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: chromium: %v", common.ErrBrowserLaunch, err)
	}

	l.log.Info("chromium launched",
		zap.String("profile", opts.UserDataDir),
		zap.String("fingerprint", opts.Fingerprint.ID),
		zap.Bool("headless", opts.Headless))
	return c, &chromePage{tab: tabCtx, delay: c.delay}, nil
}

func (l *ChromeLauncher) setupActions(ctx context.Context, opts LaunchOptions, script string) []chromedp.Action {
	fp := opts.Fingerprint

	headers := make(network.Headers, len(fp.Headers))
	for k, v := range fp.Headers {
		headers[k] = v
	}

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}),
		emulation.SetDeviceMetricsOverride(int64(fp.Screen.AvailWidth), int64(fp.Screen.AvailHeight), fp.Screen.PixelRatio, false).
			WithScreenWidth(int64(fp.Screen.Width)).
			WithScreenHeight(int64(fp.Screen.Height)),
		emulation.SetUserAgentOverride(fp.UserAgent).
			WithAcceptLanguage(fp.Headers["Accept-Language"]).
			WithPlatform(fp.Platform),
		emulation.SetLocaleOverride().WithLocale(opts.locale()),
	}
	if len(headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	if fp.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(fp.Timezone))
	}

	if opts.GeoIP && l.Locator != nil {
		loc, err := l.Locator.Locate(ctx)
		if err != nil {
			l.log.Warn("geoip lookup failed, keeping host timezone", zap.Error(err))
		} else {
			if loc.Timezone != "" {
				actions = append(actions, emulation.SetTimezoneOverride(loc.Timezone))
			}
			actions = append(actions, emulation.SetGeolocationOverride().
				WithLatitude(loc.Latitude).
				WithLongitude(loc.Longitude).
				WithAccuracy(float64(loc.AccuracyRadius)*1000))
		}
	}
	return actions
}

type chromeContext struct {
	tab    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	delay  time.Duration

	mu    sync.Mutex
	pages []context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
}

func newChromeContext(tab context.Context, cancel context.CancelFunc, logger *zap.Logger) *chromeContext {
	c := &chromeContext{tab: tab, cancel: cancel, log: logger, closed: make(chan struct{})}
	context.AfterFunc(tab, c.markClosed)
	return c
}

func (c *chromeContext) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// watchTarget marks the context closed when the first tab's target is
// destroyed, which is what closing the browser window does. The tab must
// have been started.
func (c *chromeContext) watchTarget() {
	t := chromedp.FromContext(c.tab).Target
	if t == nil {
		return
	}
	id := t.TargetID
	chromedp.ListenBrowser(c.tab, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == id {
			c.markClosed()
		}
	})
}

func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	tab, cancel := chromedp.NewContext(c.tab)
	if err := startTab(ctx, tab, cancel); err != nil {
		cancel()
		return nil, err
	}
	c.mu.Lock()
	c.pages = append(c.pages, cancel)
	c.mu.Unlock()
	return &chromePage{tab: tab, delay: c.delay}, nil
}

// Wait blocks until the browser window is closed or ctx is done.
func (c *chromeContext) Wait(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the extra tabs, shuts the browser down gracefully, then
// releases the allocator.
func (c *chromeContext) Close() error {
	c.mu.Lock()
	pages := c.pages
	c.pages = nil
	c.mu.Unlock()
	for i := len(pages) - 1; i >= 0; i-- {
		pages[i]()
	}

	err := chromedp.Cancel(c.tab)
	c.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("chromium close", zap.Error(err))
		return err
	}
	return nil
}

// chromePage pauses for delay before each action, like SlowMo does for
// the Firefox backend.
type chromePage struct {
	tab   context.Context
	delay time.Duration
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return runBound(ctx, p.tab, humanized(p.delay, chromedp.Navigate(url))...)
}

func (p *chromePage) Evaluate(ctx context.Context, expression string) (any, error) {
	var out any
	err := runBound(ctx, p.tab, humanized(p.delay, chromedp.Evaluate(expression, &out))...)
	return out, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := runBound(ctx, p.tab, humanized(p.delay, chromedp.Title(&title))...)
	return title, err
}

func (p *chromePage) URL() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var loc string
	if err := runBound(ctx, p.tab, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

func (p *chromePage) Native() any { return p.tab }

// startTab performs the first Run on a tab context, which allocates the
// browser or target. It must run on the tab context itself: a derived
// context that is cancelled afterwards would tear the browser down.
// Cancelling ctx during startup cancels the tab.
func startTab(ctx context.Context, tab context.Context, cancel context.CancelFunc) error {
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tab)
}

// humanized prefixes actions with a pause of d when d is positive.
func humanized(d time.Duration, actions ...chromedp.Action) []chromedp.Action {
	if d <= 0 {
		return actions
	}
	return append([]chromedp.Action{chromedp.Sleep(d)}, actions...)
}

// runBound runs actions on a chromedp tab while honoring the caller's ctx.
// Cancelling ctx aborts the actions without closing the tab.
func runBound(ctx context.Context, tab context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}
