package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu            sync.RWMutex
	defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	closer        io.Closer
)

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, levelErr := ParseLogLevel(level)

	l, c, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	mu.Lock()
	if closer != nil {
		closer.Close()
	}
	defaultLogger = l
	closer = c
	mu.Unlock()

	return levelErr
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)

	mu.Lock()
	defaultLogger = defaultLogger.Level(logLevel)
	mu.Unlock()

	return err
}

// SetOutput replaces the default logger's writer. Used by tests to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defaultLogger = defaultLogger.Output(w)
	mu.Unlock()
}

// L returns the default logger
func L() *zerolog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	return &l
}

// Debug starts a debug level message
func Debug() *zerolog.Event {
	return L().Debug()
}

// Info starts an info level message
func Info() *zerolog.Event {
	return L().Info()
}

// Warn starts a warning level message
func Warn() *zerolog.Event {
	return L().Warn()
}

// Error starts an error level message
func Error() *zerolog.Event {
	return L().Error()
}

// Close closes the log file, if any
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	return err
}
