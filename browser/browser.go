// Package browser launches persistent, fingerprinted browser contexts.
//
// Two backends implement Launcher:
//
//   - PlaywrightLauncher: Firefox through playwright-go, a persistent context
//     per account profile directory
//   - ChromeLauncher: Chromium through chromedp with the same profile layout
//
// Both apply the account's fingerprint (user agent, screen, WebGL, fonts,
// navigator values) before the first document loads, and return exactly one
// ready page.
package browser

import (
	"context"
	"time"

	"github.com/yllada/sessionctl/geo"
	"github.com/yllada/sessionctl/identity"
)

// humanizeUnit is the per-action delay applied for Humanize == 1.
const humanizeUnit = 100 * time.Millisecond

// Options are the per-run browser settings shared by every session.
type Options struct {
	// GeoIP aligns timezone and geolocation with the egress address.
	GeoIP bool
	// Locale overrides the fingerprint locale when set.
	Locale string
	// DisableTheming forces the default light theme.
	DisableTheming bool
	// Humanize scales the delay inserted between automated actions.
	Humanize float64
	Headless bool
}

// LaunchOptions describe one session's browser.
type LaunchOptions struct {
	Options
	// UserDataDir is the account's persistent profile directory.
	UserDataDir string
	Fingerprint *identity.Fingerprint
}

// Context is a running browser context. Close releases the context and its
// browser process; it is called exactly once by the session owner.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	// Wait blocks until the user closes the browser, returning nil, or
	// until ctx is done.
	Wait(ctx context.Context) error
	Close() error
}

// Page is a single tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression and returns its JSON-compatible
	// result.
	Evaluate(ctx context.Context, expression string) (any, error)
	Title(ctx context.Context) (string, error)
	URL() string
	// Native exposes the backend handle: a playwright.Page or a chromedp
	// tab context.Context.
	Native() any
}

// Launcher starts a browser for a session.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Context, Page, error)
}

// Locator resolves the egress location. *geo.Resolver implements it.
type Locator interface {
	Locate(ctx context.Context) (*geo.Location, error)
}

// locale picks the effective locale for a launch.
func (o LaunchOptions) locale() string {
	if o.Locale != "" {
		return o.Locale
	}
	if o.Fingerprint != nil && o.Fingerprint.Locale != "" {
		return o.Fingerprint.Locale
	}
	return "en-US"
}

func humanizeDelay(h float64) time.Duration {
	if h <= 0 {
		return 0
	}
	return time.Duration(h * float64(humanizeUnit))
}
