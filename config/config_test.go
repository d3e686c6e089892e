package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/sessionctl/common"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.VPN.Binary != "piactl" {
		t.Errorf("VPN.Binary = %v, want piactl", cfg.VPN.Binary)
	}
	if cfg.VPN.PollInterval != 2*time.Second {
		t.Errorf("VPN.PollInterval = %v, want 2s", cfg.VPN.PollInterval)
	}
	if cfg.VPN.WaitTimeout != 60*time.Second {
		t.Errorf("VPN.WaitTimeout = %v, want 60s", cfg.VPN.WaitTimeout)
	}
	if cfg.VPN.SettleDelay != 6*time.Second {
		t.Errorf("VPN.SettleDelay = %v, want 6s", cfg.VPN.SettleDelay)
	}
	if cfg.Profiles.MinScreenWidth != 1024 || cfg.Profiles.MinScreenHeight != 700 {
		t.Errorf("minimum screen = %dx%d, want 1024x700", cfg.Profiles.MinScreenWidth, cfg.Profiles.MinScreenHeight)
	}
	if cfg.Accounts.RetryAttempts != 10 {
		t.Errorf("Accounts.RetryAttempts = %v, want 10", cfg.Accounts.RetryAttempts)
	}
	if cfg.Browser.Locale != "en-US" {
		t.Errorf("Browser.Locale = %v, want en-US", cfg.Browser.Locale)
	}
}

func TestLoad_MissingFileWritesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "piactl", cfg.VPN.Binary)
	assert.FileExists(t, path)
	assert.False(t, strings.HasPrefix(cfg.Profiles.BaseDir, "~"), "base dir should be expanded")
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
vpn:
  binary: /opt/piavpn/bin/piactl
  wait_timeout: 90s
accounts:
  base_url: https://example.test/api/
  machine: rig-07
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/piavpn/bin/piactl", cfg.VPN.Binary)
	assert.Equal(t, 90*time.Second, cfg.VPN.WaitTimeout)
	assert.Equal(t, 2*time.Second, cfg.VPN.PollInterval)
	assert.Equal(t, "rig-07", cfg.Accounts.Machine)
	assert.Equal(t, 1, cfg.Accounts.PlatformID)
	assert.Equal(t, []string{"windows", "macos"}, cfg.Profiles.OperatingSystem)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, common.BackendPlaywright, cfg.Browser.Backend)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "vpn:\n  auto_reconnect: true\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrConfigLoad))
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"negative wait", "vpn:\n  wait_timeout: -1s\n", true},
		{"poll longer than wait", "vpn:\n  poll_interval: 2m\n  wait_timeout: 1m\n", true},
		{"unknown backend", "browser:\n  backend: webkit\n", true},
		{"negative humanize", "browser:\n  humanize: -2\n", true},
		{"empty base dir", "profiles:\n  base_dir: \"\"\n", true},
		{"chromium backend", "browser:\n  backend: chromium\n", false},
		{"zero settle delay", "vpn:\n  settle_delay: 0s\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Fallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "verbose"
	cfg.VPN.PollInterval = 0
	cfg.Accounts.Burst = 0

	require.NoError(t, cfg.validate())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, common.PollInterval, cfg.VPN.PollInterval)
	assert.Equal(t, 1, cfg.Accounts.Burst)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Accounts.Machine = "rig-01"
	cfg.VPN.SettleDelay = 3 * time.Second
	require.NoError(t, cfg.validate())
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
