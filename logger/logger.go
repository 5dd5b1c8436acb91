package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig represents the configuration for the logger
type LoggerConfig struct {
	// Log level
	Level zerolog.Level
	// Log file path, empty disables file output
	FilePath string
	// Maximum log file size in MB
	MaxSize int
	// Maximum number of rotated files kept
	MaxBackups int
	// Whether to log to console
	Console bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      zerolog.InfoLevel,
		MaxSize:    10,
		MaxBackups: 5,
		Console:    true,
	}
}

// New creates a zerolog logger writing to the console and/or a rotated file.
// The returned closer releases the file, it is nil when no file is used.
func New(config LoggerConfig) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer

	if config.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000"})
	}

	if config.FilePath != "" {
		file, err := newRotatingFile(config.FilePath, config.MaxSize, config.MaxBackups)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writers = append(writers, file)
		closer = file
	}

	var output io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		output = writers[0]
	default:
		output = zerolog.MultiLevelWriter(writers...)
	}

	l := zerolog.New(output).Level(config.Level).With().Timestamp().Caller().Logger()
	return l, closer, nil
}

// rotatingFile is an io.Writer that renames the current file once it
// reaches maxSize and keeps at most maxBackups old files.
type rotatingFile struct {
	mu          sync.Mutex
	file        *os.File
	filePath    string
	maxSize     int64 // Unit: bytes
	maxBackups  int
	currentSize int64
}

func newRotatingFile(filePath string, maxSizeMB, maxBackups int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get log file info: %w", err)
	}

	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}

	return &rotatingFile{
		file:        file,
		filePath:    filePath,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxBackups:  maxBackups,
		currentSize: info.Size(),
	}, nil
}

// Write implements io.Writer
func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	if err != nil {
		return n, err
	}

	if r.currentSize >= r.maxSize {
		r.rotate()
	}
	return n, nil
}

// rotate must be called with r.mu held
func (r *rotatingFile) rotate() {
	r.file.Close()

	timestamp := time.Now().Format("20060102-150405.000")
	dir := filepath.Dir(r.filePath)
	base := filepath.Base(r.filePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, timestamp, ext))

	if err := os.Rename(r.filePath, backupPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rotate log file: %v\n", err)
	}

	r.cleanOldLogs()

	file, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create new log file: %v\n", err)
		r.file = nil
		return
	}

	r.file = file
	r.currentSize = 0
}

// cleanOldLogs removes the oldest rotated files beyond maxBackups
func (r *rotatingFile) cleanOldLogs() {
	dir := filepath.Dir(r.filePath)
	base := filepath.Base(r.filePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	matches, err := filepath.Glob(filepath.Join(dir, name+".*"+ext))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to find old log files: %v\n", err)
		return
	}
	if len(matches) <= r.maxBackups {
		return
	}

	type fileInfo struct {
		path string
		time time.Time
	}
	files := make([]fileInfo, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{match, info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].time.Before(files[j].time) })

	for i := 0; i < len(files)-r.maxBackups; i++ {
		os.Remove(files[i].path)
	}
}

// Close closes the underlying file
func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
