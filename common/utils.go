// Package common provides shared constants, types, and utilities
// used across sessionctl.
package common

import (
	"os"
	"path/filepath"
	"strings"
)

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir ensures a private directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}

// StringInSlice checks if a string is in a slice.
func StringInSlice(s string, slice []string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}

// MaskSecret keeps the first two characters of a secret for log lines.
func MaskSecret(s string) string {
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}
