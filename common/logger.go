// Package common provides shared constants, types, and utilities
// used across sessionctl.
package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel converts a config string ("debug", "info", ...) to a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// AppLogger is the application logger.
// Console output is human readable; the optional file sink is JSON and is
// rotated by size.
type AppLogger struct {
	mu          sync.Mutex
	level       zap.AtomicLevel
	logger      *zap.Logger
	output      io.Writer
	file        *lumberjack.Logger
	filePath    string
	maxFileSize int // megabytes before rotation (default: 5)
	maxBackups  int // rotated files to keep (default: 5)
}

var _ Logger = (*AppLogger)(nil)

// LogConfig holds configuration options for the logger.
type LogConfig struct {
	Level       LogLevel
	EnableFile  bool
	Dir         string // defaults to GetLogDir()
	MaxFileSize int    // in megabytes, default 5
	MaxBackups  int    // number of rotated files to keep, default 5
}

var (
	defaultLogger *AppLogger
	loggerOnce    sync.Once
)

const (
	defaultMaxFileSize = 5 // MB
	defaultMaxBackups  = 5
)

// isSymlink checks if a path is a symbolic link.
// Returns false if path doesn't exist (safe to create).
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// NewAppLogger creates a logger writing to w at the given level.
func NewAppLogger(w io.Writer, level LogLevel) *AppLogger {
	l := &AppLogger{
		level:       zap.NewAtomicLevelAt(level.zapLevel()),
		output:      w,
		maxFileSize: defaultMaxFileSize,
		maxBackups:  defaultMaxBackups,
	}
	l.rebuild()
	return l
}

// GetLogger returns the singleton logger instance.
func GetLogger() *AppLogger {
	loggerOnce.Do(func() {
		defaultLogger = NewAppLogger(os.Stdout, LevelInfo)
	})
	return defaultLogger
}

// InitLogger initializes the logger with custom configuration.
// Should be called early in application startup.
func InitLogger(config LogConfig) error {
	logger := GetLogger()
	logger.SetLevel(config.Level)

	if config.MaxFileSize > 0 {
		logger.maxFileSize = config.MaxFileSize
	}
	if config.MaxBackups > 0 {
		logger.maxBackups = config.MaxBackups
	}

	if config.EnableFile {
		dir := config.Dir
		if dir == "" {
			dir = GetLogDir()
		}
		return logger.EnableFileLogging(dir)
	}
	return nil
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func fileEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// rebuild recreates the zap core from the current sinks. Callers hold mu
// or own l exclusively.
func (l *AppLogger) rebuild() {
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder(), zapcore.Lock(zapcore.AddSync(l.output)), l.level),
	}
	if l.file != nil {
		cores = append(cores, zapcore.NewCore(fileEncoder(), zapcore.AddSync(l.file), l.level))
	}
	l.logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.DPanicLevel))
}

// SetLevel sets the minimum log level.
func (l *AppLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Level returns the current minimum log level.
func (l *AppLogger) Level() LogLevel {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// SetOutput sets the console log destination.
func (l *AppLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// EnableFileLogging adds a JSON file sink in dir in addition to the console.
// The file is rotated once it exceeds maxFileSize megabytes and old
// rotations are gzip-compressed.
func (l *AppLogger) EnableFileLogging(dir string) error {
	// Security: refuse symlinked log locations
	if isSymlink(dir) {
		return fmt.Errorf("security error: log directory is a symlink")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	logPath := filepath.Join(dir, LogFileName)
	if isSymlink(logPath) {
		return fmt.Errorf("security error: log file is a symlink")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	l.file = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    l.maxFileSize,
		MaxBackups: l.maxBackups,
		Compress:   true,
	}
	l.filePath = logPath
	l.rebuild()
	return nil
}

// FilePath returns the active log file path, or "" when file logging is off.
func (l *AppLogger) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filePath
}

// GetLogDir returns the log directory path.
func GetLogDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config", ConfigDirName, "logs")
}

// Zap returns the structured logger for callers that log with fields.
func (l *AppLogger) Zap() *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}

// Named returns a child structured logger.
func (l *AppLogger) Named(name string) *zap.Logger {
	return l.Zap().Named(name)
}

// logf writes a formatted message. skip is the number of frames between
// the user call site and logf; the extra frame is logf itself.
func (l *AppLogger) logf(skip int, level LogLevel, msg string, args []interface{}) {
	zl := level.zapLevel()
	if !l.level.Enabled(zl) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if ce := l.Zap().WithOptions(zap.AddCallerSkip(skip+1)).Check(zl, msg); ce != nil {
		ce.Write()
	}
}

// Debug logs a debug message.
func (l *AppLogger) Debug(msg string, args ...interface{}) {
	l.logf(1, LevelDebug, msg, args)
}

// Info logs an informational message.
func (l *AppLogger) Info(msg string, args ...interface{}) {
	l.logf(1, LevelInfo, msg, args)
}

// Warn logs a warning message.
func (l *AppLogger) Warn(msg string, args ...interface{}) {
	l.logf(1, LevelWarn, msg, args)
}

// Error logs an error message.
func (l *AppLogger) Error(msg string, args ...interface{}) {
	l.logf(1, LevelError, msg, args)
}

// Shorthand functions for default logger.

// LogDebug logs a debug message to the default logger.
func LogDebug(msg string, args ...interface{}) {
	GetLogger().logf(1, LevelDebug, msg, args)
}

// LogInfo logs an info message to the default logger.
func LogInfo(msg string, args ...interface{}) {
	GetLogger().logf(1, LevelInfo, msg, args)
}

// LogWarn logs a warning message to the default logger.
func LogWarn(msg string, args ...interface{}) {
	GetLogger().logf(1, LevelWarn, msg, args)
}

// LogError logs an error message to the default logger.
func LogError(msg string, args ...interface{}) {
	GetLogger().logf(1, LevelError, msg, args)
}

// Close flushes buffered entries and closes the log file.
// Should be called on application shutdown.
func (l *AppLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.logger.Sync()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.filePath = ""
		l.rebuild()
		return err
	}
	return nil
}

// CloseLogger closes the default logger.
func CloseLogger() error {
	return GetLogger().Close()
}
