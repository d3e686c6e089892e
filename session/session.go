// Package session runs one browsing session per account: it brings the VPN
// tunnel to the account's region, loads the account's stored identity,
// launches a persistent browser bound to that identity and hands the page to
// a caller activity. Browser resources are always released; the tunnel is
// left up between sessions and torn down once per batch.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/yllada/sessionctl/browser"
	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/identity"
	"github.com/yllada/sessionctl/vpn"
)

// Credentials are the account's login secrets. They are passed through to
// the activity untouched and never persisted.
type Credentials struct {
	Password     string
	RecoveryCode string
	TOTPSecret   string
}

// TOTP returns the one-time code for t.
func (c Credentials) TOTP(t time.Time) (string, error) {
	if c.TOTPSecret == "" {
		return "", errors.New("no totp secret configured")
	}
	return totp.GenerateCode(c.TOTPSecret, t)
}

// String redacts the secrets so credentials can appear in logs.
func (c Credentials) String() string {
	return fmt.Sprintf("password=%s recovery=%s totp=%s",
		common.MaskSecret(c.Password), common.MaskSecret(c.RecoveryCode), common.MaskSecret(c.TOTPSecret))
}

// AccountIdentity is the input to a session.
type AccountIdentity struct {
	AccountID   string
	RegionCode  string
	Credentials Credentials
}

// Session is what the activity sees of the running session.
type Session struct {
	RunID       string
	Identity    AccountIdentity
	Fingerprint *identity.Fingerprint
	ProfileDir  string
	Started     time.Time
}

// Activity is the caller's work inside a session. It may block for as long
// as it needs; the orchestrator imposes no timeout of its own.
type Activity func(ctx context.Context, s *Session, bctx browser.Context, page browser.Page) error

// Stage is how far a session got.
type Stage int

const (
	StageInit Stage = iota
	StageVPNVerified
	StageIdentityReady
	StageBrowserLaunched
	StageActivityRunning
	StageTornDown
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageVPNVerified:
		return "vpn_verified"
	case StageIdentityReady:
		return "identity_ready"
	case StageBrowserLaunched:
		return "browser_launched"
	case StageActivityRunning:
		return "activity_running"
	case StageTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Result is the outcome of one session. Stage is the last stage reached;
// on failure it names the stage that failed.
type Result struct {
	AccountID string
	RunID     string
	Region    string
	Stage     Stage
	Kind      common.ErrorKind
	Err       error
	Started   time.Time
	Finished  time.Time
	// Health is the tunnel health at the end of the session, or
	// vpn.HealthUnknown when no check ran.
	Health vpn.HealthState
}

// OK reports whether the session completed without error.
func (r Result) OK() bool { return r.Err == nil }

// Retryable reports whether running the whole session again may succeed.
func (r Result) Retryable() bool { return r.Kind.Retryable() }

// Duration is the session's wall-clock time.
func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// ActivityError is a failure raised by the activity, either as a returned
// error or as a panic. Frames holds the application frames of a panic.
type ActivityError struct {
	Err    error
	Panic  any
	Frames []common.Frame
}

func (e *ActivityError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("activity panicked: %v", e.Panic)
	}
	return fmt.Sprintf("activity failed: %v", e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// Is matches common.ErrActivity.
func (e *ActivityError) Is(target error) bool {
	return target == common.ErrActivity
}
