package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yllada/sessionctl/accounts"
	"github.com/yllada/sessionctl/browser"
	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/geo"
	"github.com/yllada/sessionctl/history"
	"github.com/yllada/sessionctl/identity"
	"github.com/yllada/sessionctl/keyring"
	"github.com/yllada/sessionctl/metrics"
	"github.com/yllada/sessionctl/notify"
	"github.com/yllada/sessionctl/session"
	"github.com/yllada/sessionctl/vpn"
)

func (a *App) controller() *vpn.Controller {
	exec := a.exec
	if exec == nil {
		exec = vpn.NewExecExecutor(a.cfg.VPN.Binary)
	}
	vc := vpn.DefaultConfig()
	vc.CommandTimeout = a.cfg.VPN.CommandTimeout
	vc.PollInterval = a.cfg.VPN.PollInterval
	vc.WaitTimeout = a.cfg.VPN.WaitTimeout
	vc.SettleDelay = a.cfg.VPN.SettleDelay
	return vpn.NewController(exec, vc, a.log)
}

func (a *App) identityStore() (*identity.Store, error) {
	p := a.cfg.Profiles
	policy := identity.Policy{
		Devices:         p.Devices,
		Browsers:        p.Browsers,
		OS:              p.OperatingSystem,
		MinScreenWidth:  p.MinScreenWidth,
		MinScreenHeight: p.MinScreenHeight,
		Locale:          a.cfg.Browser.Locale,
	}
	return identity.NewStore(p.BaseDir, identity.NewPresetGenerator(), policy, identity.WithLogger(a.log))
}

func (a *App) tokenStore() common.CredentialStore {
	if a.tokens != nil {
		return a.tokens
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		a.log.Warn("config dir unavailable, using working directory for credentials", zap.Error(err))
		dir = "."
	}
	a.tokens = keyring.New(dir)
	return a.tokens
}

func (a *App) accountsClient() (*accounts.Client, error) {
	ac := a.cfg.Accounts
	machine := ac.Machine
	if machine == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("machine name: %w", err)
		}
		machine = host
	}
	return accounts.NewClient(accounts.Config{
		BaseURL:        ac.BaseURL,
		Machine:        machine,
		PlatformID:     ac.PlatformID,
		RetryAttempts:  ac.RetryAttempts,
		RetryDelay:     ac.RetryDelay,
		RequestTimeout: ac.RequestTimeout,
		RateLimit:      ac.RateLimit,
		Burst:          ac.Burst,
	}, nil, a.tokenStore(), a.log)
}

// orchestrator assembles a session orchestrator from the configuration.
// The returned cleanup stops everything it started.
func (a *App) orchestrator(ctx context.Context) (*session.Orchestrator, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.log.Warn("cleanup failed", zap.Error(err))
			}
		}
	}
	fail := func(err error) (*session.Orchestrator, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	ctrl := a.controller()
	if err := ctrl.EnsureInstalled(ctx); err != nil {
		return fail(err)
	}
	store, err := a.identityStore()
	if err != nil {
		return fail(err)
	}

	var locator browser.Locator
	if a.cfg.Browser.GeoIP && a.cfg.GeoIP.DatabasePath != "" {
		resolver, err := geo.Open(a.cfg.GeoIP.DatabasePath, a.cfg.GeoIP.EchoURL, nil)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, resolver.Close)
		locator = resolver
	}

	launcher := a.launcher
	if launcher == nil {
		l, err := browser.New(a.cfg.Browser.Backend, a.cfg.Browser.ExecutablePath, locator, a.log)
		if err != nil {
			return fail(err)
		}
		if s, ok := l.(interface{ Shutdown() error }); ok {
			closers = append(closers, s.Shutdown)
		}
		launcher = l
	}

	opts := session.DefaultOptions()
	opts.Browser.GeoIP = a.cfg.Browser.GeoIP
	opts.Browser.Locale = a.cfg.Browser.Locale
	opts.Browser.Humanize = a.cfg.Browser.Humanize
	opts.Browser.DisableTheming = a.cfg.Browser.DisableTheming
	opts.Browser.Headless = a.cfg.Browser.Headless

	var notifier *notify.Notifier
	if a.cfg.Notifications.Enabled {
		notifier = notify.New()
		opts.Notifier = notifier
	}

	var collector *metrics.Collector
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		opts.Metrics = collector

		serveCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := metrics.Serve(serveCtx, a.cfg.Metrics.Listen, reg, a.log); err != nil {
				a.log.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
		closers = append(closers, func() error {
			stop()
			<-done
			return nil
		})
	}

	if a.cfg.Health.Enabled {
		hc := vpn.DefaultHealthConfig()
		hc.CheckInterval = a.cfg.Health.Interval
		hc.FailureThreshold = a.cfg.Health.FailureThreshold
		if len(a.cfg.Health.TestHosts) > 0 {
			hc.TestHosts = a.cfg.Health.TestHosts
		}
		checker := vpn.NewHealthChecker(ctrl, hc)
		checker.SetOnHealthChange(func(accountID string, old, state vpn.HealthState) {
			a.log.Info("tunnel health changed",
				zap.String("account", accountID),
				zap.Stringer("from", old),
				zap.Stringer("to", state))
			if collector != nil {
				collector.ObserveHealth(accountID, old, state)
			}
			if notifier != nil && state == vpn.HealthUnhealthy {
				_ = notifier.NotifyError("Tunnel unhealthy", accountID)
			}
		})
		opts.HealthCheck = checker
	}

	if a.cfg.History.Enabled {
		ledger, err := history.Open(a.cfg.History.Path)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, ledger.Close)
		opts.Recorder = ledger
	}

	return session.NewOrchestrator(ctrl, store, launcher, opts, a.log), cleanup, nil
}

// browseActivity opens the URL, keeps the browser up for the hold time or
// until the user closes it, then moves the account to mark when mark is
// set. With both, the hold time caps the wait for the window to close.
func browseActivity(opts RunOptions, client *accounts.Client, mark accounts.AccountStatus) session.Activity {
	return func(ctx context.Context, s *session.Session, bctx browser.Context, page browser.Page) error {
		if opts.URL != "" {
			if err := page.Navigate(ctx, opts.URL); err != nil {
				return fmt.Errorf("navigate %s: %w", opts.URL, err)
			}
		}
		switch {
		case opts.UntilClosed:
			wctx, cancel := ctx, context.CancelFunc(func() {})
			if opts.Hold > 0 {
				wctx, cancel = context.WithTimeout(ctx, opts.Hold)
			}
			err := bctx.Wait(wctx)
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("waiting for browser: %w", err)
			}
		case opts.Hold > 0:
			t := time.NewTimer(opts.Hold)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if mark == "" || client == nil {
			return nil
		}
		if err := client.ChangeStatus(ctx, s.Identity.AccountID, mark); err != nil {
			return fmt.Errorf("mark %s: %w", mark, err)
		}
		return nil
	}
}
