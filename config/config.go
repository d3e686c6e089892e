// Package config provides configuration management for sessionctl.
// It handles loading, saving, and validating the runner's settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/sessionctl/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	VPN           VPNConfig           `yaml:"vpn"`
	Profiles      ProfilesConfig      `yaml:"profiles"`
	Browser       BrowserConfig       `yaml:"browser"`
	GeoIP         GeoIPConfig         `yaml:"geoip"`
	Accounts      AccountsConfig      `yaml:"accounts"`
	Health        HealthConfig        `yaml:"health"`
	History       HistoryConfig       `yaml:"history"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Log           LogConfig           `yaml:"log"`
}

// VPNConfig controls the VPN control process and its timings.
type VPNConfig struct {
	// Binary is the control executable, looked up in PATH when not absolute.
	Binary         string        `yaml:"binary"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
}

// ProfilesConfig locates the per-account browser profiles and constrains
// newly generated fingerprints.
type ProfilesConfig struct {
	BaseDir         string   `yaml:"base_dir"`
	Devices         []string `yaml:"devices"`
	Browsers        []string `yaml:"browsers"`
	OperatingSystem []string `yaml:"os"`
	MinScreenWidth  int      `yaml:"min_screen_width"`
	MinScreenHeight int      `yaml:"min_screen_height"`
}

// BrowserConfig selects and tunes the browser backend.
type BrowserConfig struct {
	// Backend is "playwright" (Firefox) or "chromium".
	Backend        string  `yaml:"backend"`
	ExecutablePath string  `yaml:"executable_path"`
	Headless       bool    `yaml:"headless"`
	Locale         string  `yaml:"locale"`
	Humanize       float64 `yaml:"humanize"`
	DisableTheming bool    `yaml:"disable_theming"`
	GeoIP          bool    `yaml:"geoip"`
}

// GeoIPConfig points at a MaxMind City database and an IP echo endpoint.
type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
	EchoURL      string `yaml:"echo_url"`
}

// AccountsConfig configures the remote account API client.
type AccountsConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Machine        string        `yaml:"machine"`
	PlatformID     int           `yaml:"platform_id"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is the maximum number of requests per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// HealthConfig configures the in-session tunnel health checker.
type HealthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	TestHosts        []string      `yaml:"test_hosts"`
}

// HistoryConfig configures the session ledger.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NotificationsConfig toggles desktop notifications for batch results.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       bool   `yaml:"file"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		VPN: VPNConfig{
			Binary:         common.DefaultVPNBinary,
			CommandTimeout: common.CommandTimeout,
			PollInterval:   common.PollInterval,
			WaitTimeout:    common.WaitTimeout,
			SettleDelay:    common.SettleDelay,
		},
		Profiles: ProfilesConfig{
			BaseDir:         "~/.local/share/sessionctl/profiles",
			Devices:         []string{"desktop"},
			Browsers:        []string{"firefox"},
			OperatingSystem: []string{"windows", "macos"},
			MinScreenWidth:  1024,
			MinScreenHeight: 700,
		},
		Browser: BrowserConfig{
			Backend:        common.BackendPlaywright,
			Locale:         common.DefaultLocale,
			Humanize:       common.DefaultHumanize,
			DisableTheming: true,
			GeoIP:          true,
		},
		GeoIP: GeoIPConfig{
			EchoURL: "https://api.ipify.org",
		},
		Accounts: AccountsConfig{
			PlatformID:     1,
			RetryAttempts:  common.APIRetryAttempts,
			RetryDelay:     common.APIRetryDelay,
			RequestTimeout: common.APIRequestTimeout,
			RateLimit:      2,
			Burst:          1,
		},
		Health: HealthConfig{
			Enabled:          false,
			Interval:         30 * time.Second,
			FailureThreshold: 3,
			TestHosts:        []string{"1.1.1.1:53", "8.8.8.8:53"},
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "~/.local/share/sessionctl/" + common.HistoryFileName,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Notifications: NotificationsConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:      "info",
			File:       true,
			MaxSizeMB:  5,
			MaxBackups: 5,
		},
	}
}

// DefaultPath returns ~/.config/sessionctl/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}

// Load loads the configuration from path, or from DefaultPath when path is
// empty. If the file doesn't exist, it creates one with default values.
// Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	// If it doesn't exist, return default configuration
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	// Validate values
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %v", common.ErrConfigLoad, err)
	}

	return config, nil
}

// validate normalizes configuration values and rejects the ones that
// cannot be repaired.
func (c *Config) validate() error {
	d := DefaultConfig()

	if c.VPN.Binary == "" {
		c.VPN.Binary = d.VPN.Binary
	}
	for name, v := range map[string]*time.Duration{
		"vpn.command_timeout":      &c.VPN.CommandTimeout,
		"vpn.poll_interval":        &c.VPN.PollInterval,
		"vpn.wait_timeout":         &c.VPN.WaitTimeout,
		"accounts.retry_delay":     &c.Accounts.RetryDelay,
		"accounts.request_timeout": &c.Accounts.RequestTimeout,
		"health.interval":          &c.Health.Interval,
	} {
		if *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.VPN.SettleDelay < 0 {
		return fmt.Errorf("vpn.settle_delay must not be negative")
	}
	if c.VPN.CommandTimeout == 0 {
		c.VPN.CommandTimeout = d.VPN.CommandTimeout
	}
	if c.VPN.PollInterval == 0 {
		c.VPN.PollInterval = d.VPN.PollInterval
	}
	if c.VPN.WaitTimeout == 0 {
		c.VPN.WaitTimeout = d.VPN.WaitTimeout
	}
	if c.VPN.PollInterval > c.VPN.WaitTimeout {
		return fmt.Errorf("vpn.poll_interval (%v) exceeds vpn.wait_timeout (%v)", c.VPN.PollInterval, c.VPN.WaitTimeout)
	}

	if c.Profiles.BaseDir == "" {
		return fmt.Errorf("profiles.base_dir is required")
	}
	c.Profiles.BaseDir = common.ExpandHome(c.Profiles.BaseDir)
	if c.Profiles.MinScreenWidth < 0 || c.Profiles.MinScreenHeight < 0 {
		return fmt.Errorf("profiles minimum screen size must not be negative")
	}

	validBackends := []string{common.BackendPlaywright, common.BackendChromium}
	if c.Browser.Backend == "" {
		c.Browser.Backend = d.Browser.Backend
	}
	if !common.StringInSlice(c.Browser.Backend, validBackends) {
		return fmt.Errorf("browser.backend %q is not one of %v", c.Browser.Backend, validBackends)
	}
	if c.Browser.Locale == "" {
		c.Browser.Locale = d.Browser.Locale
	}
	if c.Browser.Humanize < 0 {
		return fmt.Errorf("browser.humanize must not be negative")
	}
	c.Browser.ExecutablePath = common.ExpandHome(c.Browser.ExecutablePath)
	c.GeoIP.DatabasePath = common.ExpandHome(c.GeoIP.DatabasePath)

	if c.Accounts.RetryAttempts <= 0 {
		c.Accounts.RetryAttempts = d.Accounts.RetryAttempts
	}
	if c.Accounts.RetryDelay == 0 {
		c.Accounts.RetryDelay = d.Accounts.RetryDelay
	}
	if c.Accounts.RequestTimeout == 0 {
		c.Accounts.RequestTimeout = d.Accounts.RequestTimeout
	}
	if c.Accounts.RateLimit < 0 {
		return fmt.Errorf("accounts.rate_limit must not be negative")
	}
	if c.Accounts.Burst <= 0 {
		c.Accounts.Burst = 1
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = d.Health.Interval
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = d.Health.FailureThreshold
	}

	if c.History.Enabled && c.History.Path == "" {
		c.History.Path = d.History.Path
	}
	c.History.Path = common.ExpandHome(c.History.Path)

	validLevels := []string{"debug", "info", "warn", "error"}
	if !common.StringInSlice(c.Log.Level, validLevels) {
		c.Log.Level = "info" // Fallback to default
	}
	c.Log.Dir = common.ExpandHome(c.Log.Dir)

	return nil
}

// Save saves the configuration to path.
func (c *Config) Save(path string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: error saving configuration: %v", common.ErrConfigSave, err)
	}

	return nil
}
