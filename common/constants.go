// Package common provides shared constants, types, and utilities
// used across sessionctl.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "sessionctl"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "sessionctl"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "sessionctl.log"
	FingerprintFileName = "fingerprint.cbor"
	ProfileLockFileName = ".lock"
	HistoryFileName     = "history.db"
)

// Default VPN controller timings.
const (
	// CommandTimeout bounds a single connect/disconnect invocation of the
	// VPN control process. It is also passed to the tool as "-t <seconds>".
	CommandTimeout = 20 * time.Second
	// QueryTimeout bounds a single state query or region change.
	QueryTimeout = 10 * time.Second
	// PollInterval is how often the connection state is re-queried.
	PollInterval = 2 * time.Second
	// WaitTimeout is the maximum time to wait for a target state.
	WaitTimeout = 60 * time.Second
	// SettleDelay lets routing stabilize after the tunnel reports Connected.
	SettleDelay = 6 * time.Second
)

// Default remote API settings.
const (
	APIRetryAttempts  = 10
	APIRetryDelay     = 2 * time.Second
	APIRequestTimeout = 15 * time.Second
)

// Default browser settings.
const (
	DefaultLocale    = "en-US"
	DefaultHumanize  = 1.0
	DefaultVPNBinary = "piactl"
)

// Browser backends.
const (
	BackendPlaywright = "playwright"
	BackendChromium   = "chromium"
)
