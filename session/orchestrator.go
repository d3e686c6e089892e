package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yllada/sessionctl/browser"
	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/identity"
	"github.com/yllada/sessionctl/vpn"
)

// recordTimeout bounds writes to the history ledger after a session.
const recordTimeout = 5 * time.Second

// modulePath is kept when filtering activity panic stacks.
const modulePath = "github.com/yllada/sessionctl"

// Tunnel is the host-global VPN connection. *vpn.Controller implements it
// and serializes calls itself.
type Tunnel interface {
	Connect(ctx context.Context, region string) error
	Disconnect(ctx context.Context) error
}

// IdentityStore hands out exclusive per-account leases. *identity.Store
// implements it.
type IdentityStore interface {
	Acquire(ctx context.Context, accountID string) (*identity.Lease, error)
}

// HealthMonitor watches the tunnel while a session runs. Start reports
// whether the call began a new watch; only that session calls Stop.
// *vpn.HealthChecker implements it.
type HealthMonitor interface {
	Start(accountID string) bool
	Stop()
	Health() (vpn.TunnelHealth, bool)
}

// Recorder persists session results.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Observer receives session and connect measurements.
type Observer interface {
	ObserveConnect(region string, d time.Duration, err error)
	ObserveSession(r Result)
}

// Options configure an Orchestrator. Everything except Browser is optional.
type Options struct {
	Browser     browser.Options
	HealthCheck HealthMonitor
	Recorder    Recorder
	Metrics     Observer
	Notifier    common.Notifier

	// FramePrefixes selects the functions kept in activity panic traces.
	// Defaults to this module and package main.
	FramePrefixes []string
	// DisconnectTimeout bounds the end-of-batch disconnect when the batch
	// context is already cancelled.
	DisconnectTimeout time.Duration
}

// DefaultOptions returns the fixed browser profile used for account
// sessions: geolocation on, theming off, default humanization and locale.
func DefaultOptions() Options {
	return Options{
		Browser: browser.Options{
			GeoIP:          true,
			Locale:         common.DefaultLocale,
			DisableTheming: true,
			Humanize:       common.DefaultHumanize,
		},
	}
}

// Orchestrator runs sessions. It is safe for concurrent use; the tunnel
// and the identity store provide the required serialization.
type Orchestrator struct {
	tunnel   Tunnel
	store    IdentityStore
	launcher browser.Launcher
	opts     Options
	log      *zap.Logger

	now func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(tunnel Tunnel, store IdentityStore, launcher browser.Launcher, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.FramePrefixes) == 0 {
		opts.FramePrefixes = []string{modulePath, "main."}
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = common.CommandTimeout + common.WaitTimeout
	}
	return &Orchestrator{
		tunnel:   tunnel,
		store:    store,
		launcher: launcher,
		opts:     opts,
		log:      logger.Named("session"),
		now:      time.Now,
	}
}

// RunSession runs activity for one account and reports the outcome. It
// never panics on activity failure. The browser context is closed exactly
// once if it was launched; the VPN stays connected afterwards.
func (o *Orchestrator) RunSession(ctx context.Context, id AccountIdentity, activity Activity) (res Result) {
	res = Result{
		AccountID: id.AccountID,
		RunID:     uuid.NewString(),
		Region:    id.RegionCode,
		Stage:     StageInit,
		Started:   o.now(),
	}
	log := o.log.With(
		zap.String("account", id.AccountID),
		zap.String("region", id.RegionCode),
		zap.String("run_id", res.RunID))

	defer func() {
		res.Finished = o.now()
		res.Kind = common.KindOf(res.Err)
		o.finish(ctx, res, log)
	}()

	lease, err := o.store.Acquire(ctx, id.AccountID)
	if err != nil {
		res.Err = err
		return res
	}
	defer lease.Release()

	connectStart := o.now()
	err = o.tunnel.Connect(ctx, id.RegionCode)
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveConnect(id.RegionCode, o.now().Sub(connectStart), err)
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.Stage = StageVPNVerified

	if hm := o.opts.HealthCheck; hm != nil && hm.Start(id.AccountID) {
		defer func() {
			hm.Stop()
			if h, ok := hm.Health(); ok && !h.LastCheck.IsZero() {
				res.Health = h.State
			}
		}()
	}

	fp, err := lease.LoadOrCreate(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Stage = StageIdentityReady
	log.Debug("identity ready", zap.String("fingerprint", fp.ID), zap.String("profile", lease.ProfileDir()))

	bctx, page, err := o.launcher.Launch(ctx, browser.LaunchOptions{
		Options:     o.opts.Browser,
		UserDataDir: lease.ProfileDir(),
		Fingerprint: fp,
	})
	if err != nil {
		if bctx != nil {
			o.closeContext(bctx, log)
		}
		if ctx.Err() == nil && !errors.Is(err, common.ErrBrowserLaunch) {
			err = fmt.Errorf("%w: %w", common.ErrBrowserLaunch, err)
		}
		res.Err = err
		return res
	}
	res.Stage = StageBrowserLaunched
	defer o.closeContext(bctx, log)

	sess := &Session{
		RunID:       res.RunID,
		Identity:    id,
		Fingerprint: fp,
		ProfileDir:  lease.ProfileDir(),
		Started:     res.Started,
	}

	res.Stage = StageActivityRunning
	if err := o.runActivity(ctx, activity, sess, bctx, page); err != nil {
		res.Err = err
		var ae *ActivityError
		if errors.As(err, &ae) && len(ae.Frames) > 0 {
			log.Error("activity panicked",
				zap.Any("panic", ae.Panic),
				zap.String("stack", common.FormatFrames(ae.Frames)))
		}
		return res
	}
	res.Stage = StageTornDown
	return res
}

// runActivity calls activity and converts returned errors and panics into
// *ActivityError.
func (o *Orchestrator) runActivity(ctx context.Context, activity Activity, s *Session, bctx browser.Context, page browser.Page) (err error) {
	if activity == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			frames := common.FilterFrames(common.CaptureFrames(1), o.opts.FramePrefixes...)
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("%v", r)
			}
			err = &ActivityError{Err: perr, Panic: r, Frames: frames}
		}
	}()
	if err := activity(ctx, s, bctx, page); err != nil {
		return &ActivityError{Err: err}
	}
	return nil
}

func (o *Orchestrator) closeContext(bctx browser.Context, log *zap.Logger) {
	if err := bctx.Close(); err != nil {
		log.Warn("close browser context", zap.Error(err))
	}
}

// finish logs, records and reports a finished session.
func (o *Orchestrator) finish(ctx context.Context, res Result, log *zap.Logger) {
	fields := []zap.Field{
		zap.Stringer("stage", res.Stage),
		zap.Stringer("kind", res.Kind),
		zap.Duration("duration", res.Duration()),
	}
	if res.Health != vpn.HealthUnknown {
		fields = append(fields, zap.Stringer("tunnel_health", res.Health))
	}
	if res.Err != nil {
		log.Error("session failed", append(fields, zap.Error(res.Err), zap.Bool("retryable", res.Retryable()))...)
	} else {
		log.Info("session finished", fields...)
	}

	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveSession(res)
	}
	if o.opts.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := o.opts.Recorder.Record(rctx, res); err != nil {
			log.Warn("record session result", zap.Error(err))
		}
		cancel()
	}
	if o.opts.Notifier != nil && res.Err != nil && res.Kind != common.KindCancelled {
		msg := fmt.Sprintf("%s failed at %s: %s", res.AccountID, res.Stage, res.Kind)
		if err := o.opts.Notifier.Notify("Session failed", msg); err != nil {
			log.Debug("notify", zap.Error(err))
		}
	}
}

// RunBatch runs the accounts one after another, continuing past failures,
// then disconnects the tunnel once. Accounts not started because ctx was
// cancelled are reported with KindCancelled.
func (o *Orchestrator) RunBatch(ctx context.Context, ids []AccountIdentity, activity Activity) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			now := o.now()
			results = append(results, Result{
				AccountID: id.AccountID,
				Region:    id.RegionCode,
				Stage:     StageInit,
				Kind:      common.KindCancelled,
				Err:       err,
				Started:   now,
				Finished:  now,
			})
			continue
		}
		results = append(results, o.RunSession(ctx, id, activity))
	}

	if err := o.disconnect(ctx); err != nil {
		o.log.Error("disconnect after batch", zap.Error(err))
	}

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	o.log.Info("batch finished",
		zap.Int("accounts", len(results)),
		zap.Int("succeeded", ok),
		zap.Int("failed", len(results)-ok))
	if o.opts.Notifier != nil {
		msg := fmt.Sprintf("%d of %d sessions succeeded", ok, len(results))
		if err := o.opts.Notifier.Notify("Batch finished", msg); err != nil {
			o.log.Debug("notify", zap.Error(err))
		}
	}
	return results
}

// disconnect tears the tunnel down, using a fresh bounded context when the
// batch context is already done.
func (o *Orchestrator) disconnect(ctx context.Context) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.opts.DisconnectTimeout)
		defer cancel()
	}
	return o.tunnel.Disconnect(ctx)
}
