package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/yllada/sessionctl/common"
)

// themingPrefs pin Firefox to its default light theme regardless of the
// host desktop settings.
var themingPrefs = map[string]interface{}{
	"ui.systemUsesDarkTheme":                           0,
	"browser.theme.content-theme":                      1,
	"browser.theme.toolbar-theme":                      1,
	"layout.css.prefers-color-scheme.content-override": 1,
	"widget.content.allow-gtk-dark-theme":              false,
}

// basePrefs quiet first-run and telemetry noise in persistent profiles.
var basePrefs = map[string]interface{}{
	"browser.shell.checkDefaultBrowser":        false,
	"browser.aboutwelcome.enabled":             false,
	"datareporting.healthreport.uploadEnabled": false,
	"toolkit.telemetry.enabled":                false,
	"dom.webdriver.enabled":                    false,
}

// PlaywrightLauncher launches Firefox persistent contexts.
type PlaywrightLauncher struct {
	// ExecutablePath overrides the bundled Firefox build.
	ExecutablePath string
	// Install downloads the browser driver on first use when missing.
	Install bool
	Locator Locator

	log *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightLauncher creates a launcher. locator may be nil.
func NewPlaywrightLauncher(executablePath string, locator Locator, logger *zap.Logger) *PlaywrightLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaywrightLauncher{
		ExecutablePath: executablePath,
		Install:        true,
		Locator:        locator,
		log:            logger.Named("playwright"),
	}
}

// driver starts the playwright driver once per launcher.
func (l *PlaywrightLauncher) driver() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}
	if l.Install {
		if err := playwright.Install(&playwright.RunOptions{
			Browsers: []string{"firefox"},
			Verbose:  false,
		}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

// Shutdown stops the driver. Open contexts must be closed first.
func (l *PlaywrightLauncher) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

// Launch implements Launcher.
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts LaunchOptions) (Context, Page, error) {
	if err := validateLaunch(ctx, opts); err != nil {
		return nil, nil, err
	}
	script, err := InitScript(opts.Fingerprint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrBrowserLaunch, err)
	}

	pw, err := l.driver()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrBrowserLaunch, err)
	}

	launchOpts := l.persistentOptions(ctx, opts)
	bc, err := pw.Firefox.LaunchPersistentContext(opts.UserDataDir, launchOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: firefox: %v", common.ErrBrowserLaunch, err)
	}
	c := newPWContext(bc)

	fail := func(err error) (Context, Page, error) {
		_ = c.Close()
		return nil, nil, fmt.Errorf("%w: %v", common.ErrBrowserLaunch, err)
	}

	if err := bc.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return fail(fmt.Errorf("add init script: %w", err))
	}
	if ctx.Err() != nil {
		_ = c.Close()
		return nil, nil, ctx.Err()
	}

	var page playwright.Page
	if pages := bc.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bc.NewPage(); err != nil {
		return fail(fmt.Errorf("open page: %w", err))
	}

	l.log.Info("firefox launched",
		zap.String("profile", opts.UserDataDir),
		zap.String("fingerprint", opts.Fingerprint.ID),
		zap.Bool("headless", opts.Headless))
	return c, &pwPage{page: page}, nil
}

func (l *PlaywrightLauncher) persistentOptions(ctx context.Context, opts LaunchOptions) playwright.BrowserTypeLaunchPersistentContextOptions {
	fp := opts.Fingerprint

	prefs := make(map[string]interface{}, len(basePrefs)+len(themingPrefs))
	for k, v := range basePrefs {
		prefs[k] = v
	}
	if opts.DisableTheming {
		for k, v := range themingPrefs {
			prefs[k] = v
		}
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:          playwright.Bool(opts.Headless),
		UserAgent:         playwright.String(fp.UserAgent),
		Locale:            playwright.String(opts.locale()),
		Viewport:          &playwright.Size{Width: fp.Screen.AvailWidth, Height: fp.Screen.AvailHeight},
		Screen:            &playwright.Size{Width: fp.Screen.Width, Height: fp.Screen.Height},
		DeviceScaleFactor: playwright.Float(fp.Screen.PixelRatio),
		ExtraHttpHeaders:  fp.Headers,
		FirefoxUserPrefs:  prefs,
	}
	if d := humanizeDelay(opts.Humanize); d > 0 {
		launchOpts.SlowMo = playwright.Float(float64(d.Milliseconds()))
	}
	if l.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(l.ExecutablePath)
	}
	if fp.Timezone != "" {
		launchOpts.TimezoneId = playwright.String(fp.Timezone)
	}

	if opts.GeoIP && l.Locator != nil {
		loc, err := l.Locator.Locate(ctx)
		if err != nil {
			l.log.Warn("geoip lookup failed, keeping host timezone", zap.Error(err))
		} else {
			if loc.Timezone != "" {
				launchOpts.TimezoneId = playwright.String(loc.Timezone)
			}
			launchOpts.Geolocation = &playwright.Geolocation{
				Latitude:  loc.Latitude,
				Longitude: loc.Longitude,
				Accuracy:  playwright.Float(float64(loc.AccuracyRadius) * 1000),
			}
			launchOpts.Permissions = []string{"geolocation"}
		}
	}
	return launchOpts
}

type pwContext struct {
	bc     playwright.BrowserContext
	closed chan struct{}
}

func newPWContext(bc playwright.BrowserContext) *pwContext {
	c := &pwContext{bc: bc, closed: make(chan struct{})}
	var once sync.Once
	bc.OnClose(func(playwright.BrowserContext) {
		once.Do(func() { close(c.closed) })
	})
	return c
}

func (c *pwContext) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.bc.NewPage()
	if err != nil {
		return nil, err
	}
	return &pwPage{page: p}, nil
}

// Wait blocks until the browser window is closed or ctx is done.
func (c *pwContext) Wait(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pwContext) Close() error {
	return c.bc.Close()
}

type pwPage struct {
	page playwright.Page
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}
	if dl, ok := ctx.Deadline(); ok {
		opts.Timeout = playwright.Float(float64(timeUntil(dl).Milliseconds()))
	}
	_, err := p.page.Goto(url, opts)
	return err
}

func (p *pwPage) Evaluate(ctx context.Context, expression string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.page.Evaluate(expression)
}

func (p *pwPage) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Title()
}

func (p *pwPage) URL() string { return p.page.URL() }

func (p *pwPage) Native() any { return p.page }
