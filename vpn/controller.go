package vpn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/sessionctl/common"
)

// commandGrace is added to CommandTimeout for the process bound, since the
// control process enforces CommandTimeout itself via "-t".
const commandGrace = 5 * time.Second

// Config holds the Controller timings.
type Config struct {
	// CommandTimeout is passed to connect/disconnect as "-t <seconds>".
	CommandTimeout time.Duration
	// QueryTimeout bounds "get connectionstate" and "set region".
	QueryTimeout time.Duration
	// PollInterval is the delay between state queries while waiting.
	PollInterval time.Duration
	// WaitTimeout is the maximum time to wait for a target state.
	WaitTimeout time.Duration
	// SettleDelay is slept after Connected is observed.
	SettleDelay time.Duration
}

// DefaultConfig returns the timings the control process is known to need.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: common.CommandTimeout,
		QueryTimeout:   common.QueryTimeout,
		PollInterval:   common.PollInterval,
		WaitTimeout:    common.WaitTimeout,
		SettleDelay:    common.SettleDelay,
	}
}

// Controller is the connection state machine for the host's single tunnel.
type Controller struct {
	exec Executor
	cfg  Config
	log  *zap.Logger

	// gate serializes Connect and Disconnect.
	gate chan struct{}

	mu     sync.RWMutex
	region string
}

// NewController creates a controller driving exec. Zero timings in cfg are
// replaced by DefaultConfig values.
func NewController(exec Executor, cfg Config, logger *zap.Logger) *Controller {
	d := DefaultConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = d.CommandTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = d.QueryTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = d.WaitTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		exec: exec,
		cfg:  cfg,
		log:  logger.Named("vpn"),
		gate: make(chan struct{}, 1),
	}
}

// Config returns the effective timings.
func (c *Controller) Config() Config {
	return c.cfg
}

// Region returns the region of the last confirmed connection, or "" when
// the tunnel was last seen disconnected.
func (c *Controller) Region() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.region
}

// RefreshRegion asks the control process for its selected region and
// records it as the current one. Used when the tunnel was brought up by
// another process.
func (c *Controller) RefreshRegion(ctx context.Context) error {
	stdout, stderr, err := c.exec.Run(ctx, c.cfg.QueryTimeout, "get", "region")
	c.logStderr(stderr, "get", "region")
	if err != nil {
		return fmt.Errorf("get region: %w", err)
	}
	c.mu.Lock()
	c.region = strings.TrimSpace(stdout)
	c.mu.Unlock()
	return nil
}

// State queries the current connection state. Any failure to query,
// including a missing control process, yields StateUnknown.
func (c *Controller) State(ctx context.Context) ConnectionState {
	state, err := c.query(ctx)
	if err != nil {
		c.log.Debug("state query failed", zap.Error(err))
	}
	return state
}

// EnsureInstalled checks that the control process can be invoked. It fails
// immediately with common.ErrVPNNotInstalled, without polling.
func (c *Controller) EnsureInstalled(ctx context.Context) error {
	if lp, ok := c.exec.(interface{ LookPath() (string, error) }); ok {
		_, err := lp.LookPath()
		return err
	}
	_, err := c.query(ctx)
	if errors.Is(err, common.ErrVPNNotInstalled) {
		return err
	}
	return nil
}

// Connect switches the tunnel to region. The current tunnel is always torn
// down first. Connect returns after Connected has been observed and the
// settle delay has elapsed, or with the first failure.
func (c *Controller) Connect(ctx context.Context, region string) error {
	region = strings.TrimSpace(region)
	if region == "" {
		return fmt.Errorf("%w: empty region", common.ErrInvalidRegion)
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	start := time.Now()
	c.log.Info("connecting", zap.String("region", region))

	if err := c.disconnectLocked(ctx); err != nil {
		return err
	}
	if err := c.run(ctx, c.cfg.QueryTimeout, "set", "region", region); err != nil {
		return fmt.Errorf("set region %s: %w", region, err)
	}
	if err := c.run(ctx, c.cfg.CommandTimeout+commandGrace, "-t", c.timeoutArg(), "connect"); err != nil {
		return fmt.Errorf("connect %s: %w", region, err)
	}
	if err := c.waitFor(ctx, StateConnected); err != nil {
		return fmt.Errorf("connect %s: %w", region, err)
	}

	c.mu.Lock()
	c.region = region
	c.mu.Unlock()

	if c.cfg.SettleDelay > 0 {
		if err := sleepCtx(ctx, c.cfg.SettleDelay); err != nil {
			return err
		}
	}

	c.log.Info("connected",
		zap.String("region", region),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Disconnect tears the tunnel down and waits for Disconnected.
func (c *Controller) Disconnect(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return c.disconnectLocked(ctx)
}

func (c *Controller) disconnectLocked(ctx context.Context) error {
	if err := c.run(ctx, c.cfg.CommandTimeout+commandGrace, "-t", c.timeoutArg(), "disconnect"); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if err := c.waitFor(ctx, StateDisconnected); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}

	c.mu.Lock()
	c.region = ""
	c.mu.Unlock()

	c.log.Debug("disconnected")
	return nil
}

// waitFor polls until the tunnel reports target. The loop returns no later
// than WaitTimeout plus one PollInterval and one query bound.
func (c *Controller) waitFor(ctx context.Context, target ConnectionState) error {
	start := time.Now()
	for {
		state, err := c.query(ctx)
		if err != nil {
			if errors.Is(err, common.ErrVPNNotInstalled) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if state == target {
			return nil
		}

		waited := time.Since(start)
		if waited >= c.cfg.WaitTimeout {
			return &TimeoutError{Target: target, Last: state, Waited: waited}
		}
		c.log.Debug("waiting for tunnel",
			zap.Stringer("target", target),
			zap.Stringer("state", state),
			zap.Duration("waited", waited))

		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// query runs "get connectionstate".
func (c *Controller) query(ctx context.Context) (ConnectionState, error) {
	stdout, stderr, err := c.exec.Run(ctx, c.cfg.QueryTimeout, "get", "connectionstate")
	c.logStderr(stderr, "get", "connectionstate")
	if err != nil {
		return StateUnknown, err
	}
	return ParseState(stdout), nil
}

func (c *Controller) run(ctx context.Context, timeout time.Duration, args ...string) error {
	c.log.Debug("vpn command", zap.Strings("args", args))
	_, stderr, err := c.exec.Run(ctx, timeout, args...)
	c.logStderr(stderr, args...)
	return err
}

// logStderr reports diagnostic output. It is never treated as a failure.
func (c *Controller) logStderr(stderr string, args ...string) {
	if s := strings.TrimSpace(stderr); s != "" {
		c.log.Warn("vpn command wrote to stderr",
			zap.Strings("args", args),
			zap.String("stderr", s))
	}
}

func (c *Controller) timeoutArg() string {
	secs := int(c.cfg.CommandTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release() {
	<-c.gate
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
