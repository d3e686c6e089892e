package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/sessionctl/common"
)

// New returns the launcher for backend, either common.BackendPlaywright or
// common.BackendChromium.
func New(backend, executablePath string, locator Locator, logger *zap.Logger) (Launcher, error) {
	switch backend {
	case "", common.BackendPlaywright:
		return NewPlaywrightLauncher(executablePath, locator, logger), nil
	case common.BackendChromium:
		return NewChromeLauncher(executablePath, locator, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", common.ErrBrowserLaunch, backend)
	}
}

func validateLaunch(ctx context.Context, opts LaunchOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.Fingerprint == nil {
		return fmt.Errorf("%w: no fingerprint", common.ErrBrowserLaunch)
	}
	if opts.UserDataDir == "" {
		return fmt.Errorf("%w: no user data dir", common.ErrBrowserLaunch)
	}
	if !common.FileExists(opts.UserDataDir) {
		return fmt.Errorf("%w: user data dir %s does not exist", common.ErrBrowserLaunch, opts.UserDataDir)
	}
	return nil
}

func timeUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
