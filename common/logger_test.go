package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAppLogger_SetLevel(t *testing.T) {
	logger := NewAppLogger(&bytes.Buffer{}, LevelInfo)

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("SetLevel did not update level, got %v, want %v", logger.Level(), LevelDebug)
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAppLogger(&buf, LevelWarn)

	// Debug and Info should be filtered
	logger.Debug("debug message")
	logger.Info("info message")

	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is Warn")
	}

	// Warn and Error should pass
	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "WARN") {
		t.Error("Warn message should be logged")
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "ERROR") {
		t.Error("Error message should be logged")
	}
}

func TestAppLogger_LogFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAppLogger(&buf, LevelDebug)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	// Check timestamp format (YYYY/MM/DD)
	if !strings.Contains(output, time.Now().Format("2006/01/02")) {
		t.Error("Log should contain date in YYYY/MM/DD format")
	}

	if !strings.Contains(output, "INFO") {
		t.Error("Log should contain level indicator")
	}

	if !strings.Contains(output, "Test message with formatting") {
		t.Error("Log should contain formatted message")
	}

	// Caller should point at this file, not at the logger
	if !strings.Contains(output, "logger_test.go") {
		t.Errorf("Log should report the caller's file, got %q", output)
	}
}

func TestLogShorthand_ReportsCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := GetLogger()
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	LogWarn("shorthand %d", 42)

	output := buf.String()
	if !strings.Contains(output, "shorthand 42") {
		t.Fatalf("missing message in %q", output)
	}
	if !strings.Contains(output, "logger_test.go") || strings.Contains(output, "common/logger.go") {
		t.Errorf("LogWarn should report the caller's file, got %q", output)
	}
}

func TestAppLogger_FileSink(t *testing.T) {
	dir := t.TempDir()
	logger := NewAppLogger(&bytes.Buffer{}, LevelInfo)

	if err := logger.EnableFileLogging(dir); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"written to file"`) {
		t.Errorf("file sink should be JSON, got %q", string(data))
	}
	if logger.FilePath() != "" {
		t.Error("FilePath() should be empty after Close")
	}
}

func TestAppLogger_RejectsSymlinkDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	link := filepath.Join(dir, "link")
	if err := os.Mkdir(target, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	logger := NewAppLogger(&bytes.Buffer{}, LevelInfo)
	if err := logger.EnableFileLogging(link); err == nil {
		t.Error("EnableFileLogging should refuse a symlinked directory")
	}
}

func TestDefaultLogConfig(t *testing.T) {
	if defaultMaxFileSize != 5 {
		t.Errorf("defaultMaxFileSize = %v, want 5MB", defaultMaxFileSize)
	}

	if defaultMaxBackups != 5 {
		t.Errorf("defaultMaxBackups = %v, want 5", defaultMaxBackups)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.HasSuffix(dir, ConfigDirName) {
		t.Errorf("GetConfigDir() = %v, should end with %v", dir, ConfigDirName)
	}
	if !FileExists(dir) {
		t.Error("GetConfigDir() should create the directory")
	}
}

func TestFileExists(t *testing.T) {
	tempFile, err := os.CreateTemp(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	tempFile.Close()

	if !FileExists(tempFile.Name()) {
		t.Error("FileExists() should return true for existing file")
	}

	if FileExists("/nonexistent/path/to/file") {
		t.Error("FileExists() should return false for non-existing file")
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ExpandHome("~/profiles"); got != filepath.Join(home, "profiles") {
		t.Errorf("ExpandHome(~/profiles) = %v", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome should leave absolute paths alone, got %v", got)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":       "",
		"a":      "*",
		"ab":     "**",
		"abcdef": "ab****",
	}
	for in, want := range tests {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStringInSlice(t *testing.T) {
	slice := []string{"a", "b", "c"}

	if !StringInSlice("b", slice) {
		t.Error("StringInSlice should return true for existing element")
	}

	if StringInSlice("d", slice) {
		t.Error("StringInSlice should return false for non-existing element")
	}
}
