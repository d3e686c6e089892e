// Package common provides shared constants, types, and utilities
// used across sessionctl.
package common

import (
	"context"
	"errors"
)

// Sentinel errors for session operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// VPN controller errors.
	ErrVPNNotInstalled = errors.New("vpn control process not installed")
	ErrVPNCommand      = errors.New("vpn command failed")
	ErrVPNTimeout      = errors.New("vpn did not reach target state")
	ErrInvalidRegion   = errors.New("invalid region code")

	// Identity store errors.
	ErrStorage             = errors.New("identity storage failure")
	ErrInvalidAccountID    = errors.New("invalid account id")
	ErrPolicyUnsatisfiable = errors.New("fingerprint policy cannot be satisfied")

	// Session errors.
	ErrBrowserLaunch = errors.New("browser launch failed")
	ErrActivity      = errors.New("session activity failed")
	ErrCancelled     = errors.New("operation cancelled")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// ErrorKind classifies a failure so callers can branch on it without
// matching message strings.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindVPNNotInstalled
	KindVPNCommand
	KindVPNTimeout
	KindStorage
	KindBrowser
	KindActivity
	KindCancelled
	KindOther
)

// String returns a short, log-friendly name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindVPNNotInstalled:
		return "vpn_not_installed"
	case KindVPNCommand:
		return "vpn_command"
	case KindVPNTimeout:
		return "vpn_timeout"
	case KindStorage:
		return "storage"
	case KindBrowser:
		return "browser"
	case KindActivity:
		return "activity"
	case KindCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Retryable reports whether a whole-session retry can reasonably succeed.
// A missing controller or a broken identity store will not fix itself.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindVPNCommand, KindVPNTimeout, KindBrowser, KindActivity:
		return true
	default:
		return false
	}
}

// KindOf maps an error chain to its ErrorKind. Order matters: an activity
// error that wraps a cancellation is still an activity failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrActivity):
		return KindActivity
	case errors.Is(err, ErrVPNNotInstalled):
		return KindVPNNotInstalled
	case errors.Is(err, ErrVPNTimeout):
		return KindVPNTimeout
	case errors.Is(err, ErrVPNCommand):
		return KindVPNCommand
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrBrowserLaunch):
		return KindBrowser
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindOther
	}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
