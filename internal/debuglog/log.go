package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disables all logging
)

// String returns the string representation of the log level
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
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo // Default to INFO
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelOff:
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

var (
	mu           sync.RWMutex
	currentLevel LogLevel = LevelInfo
	logger                = newLogger(os.Stderr, LevelInfo)
	logFile      *os.File
)

func newLogger(w io.Writer, level LogLevel) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level.logrus())
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return l
}

// Setup configures the logging system with the specified level and optional file path.
// If filePath is empty, logs go to stderr.
func Setup(level LogLevel, filePath ...string) error {
	mu.Lock()
	defer mu.Unlock()

	currentLevel = level

	// Close existing log file if open
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	if level == LevelOff {
		logger = newLogger(io.Discard, level)
		return nil
	}

	if len(filePath) == 0 || filePath[0] == "" {
		logger = newLogger(os.Stderr, level)
		return nil
	}

	f, err := os.OpenFile(filePath[0], os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger = newLogger(os.Stderr, level)
		return fmt.Errorf("failed to open log file %s: %w", filePath[0], err)
	}

	logFile = f
	logger = newLogger(f, level)
	return nil
}

// SetLevel changes the current logging level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	logger.SetLevel(level.logrus())
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// Logger exposes the underlying logrus logger, e.g. for HTTP access logs.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Close closes the log file if open
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		logger = newLogger(os.Stderr, currentLevel)
		return err
	}
	return nil
}

func entry(level LogLevel) (*logrus.Logger, bool) {
	mu.RLock()
	defer mu.RUnlock()
	if level < currentLevel || currentLevel == LevelOff {
		return nil, false
	}
	return logger, true
}

func Debugf(format string, args ...any) {
	if l, ok := entry(LevelDebug); ok {
		l.Debugf(format, args...)
	}
}

func Infof(format string, args ...any) {
	if l, ok := entry(LevelInfo); ok {
		l.Infof(format, args...)
	}
}

func Warnf(format string, args ...any) {
	if l, ok := entry(LevelWarn); ok {
		l.Warnf(format, args...)
	}
}

func Errorf(format string, args ...any) {
	if l, ok := entry(LevelError); ok {
		l.Errorf(format, args...)
	}
}

// FieldLogger attaches structured fields to every message.
type FieldLogger struct {
	fields logrus.Fields
}

// WithFields returns a new logger with the specified fields
func WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{fields: logrus.Fields(fields)}
}

func (fl *FieldLogger) log(level LogLevel, format string, args ...any) {
	l, ok := entry(level)
	if !ok {
		return
	}
	e := l.WithFields(fl.fields)
	switch level {
	case LevelDebug:
		e.Debugf(format, args...)
	case LevelInfo:
		e.Infof(format, args...)
	case LevelWarn:
		e.Warnf(format, args...)
	default:
		e.Errorf(format, args...)
	}
}

func (fl *FieldLogger) Debugf(format string, args ...any) { fl.log(LevelDebug, format, args...) }
func (fl *FieldLogger) Infof(format string, args ...any)  { fl.log(LevelInfo, format, args...) }
func (fl *FieldLogger) Warnf(format string, args ...any)  { fl.log(LevelWarn, format, args...) }
func (fl *FieldLogger) Errorf(format string, args ...any) { fl.log(LevelError, format, args...) }
