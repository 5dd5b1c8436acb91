package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

const (
	fileTimeLayout = "20060102-150405.000"
	statusDir      = "status"
)

// FileSink writes each event as an indented JSON file:
//
//	<base>/<sensorType>/<mcuId>_<sensorId>_<timestamp>.json
//	<base>/status/<mcuId>_<timestamp>.json
type FileSink struct {
	basePath string
}

// NewFileSink creates basePath if needed.
func NewFileSink(basePath string) (*FileSink, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("%w: create dir %s: %w", ErrSink, basePath, err)
	}

	logger.Info().Str("path", basePath).Msg("file storage initialized")
	return &FileSink{basePath: basePath}, nil
}

// SaveSensorReading writes reading under its sensor type directory.
func (fs *FileSink) SaveSensorReading(_ context.Context, reading telemetry.SensorReading) error {
	name := fmt.Sprintf("%s_%s_%s.json", reading.McuID, reading.SensorID, reading.Timestamp.UTC().Format(fileTimeLayout))
	return fs.write(safeName(reading.SensorType), safeName(name), reading)
}

// SaveChipStatus writes status under the status directory.
func (fs *FileSink) SaveChipStatus(_ context.Context, status telemetry.ChipStatus) error {
	name := fmt.Sprintf("%s_%s.json", status.McuID, status.Timestamp.UTC().Format(fileTimeLayout))
	return fs.write(statusDir, safeName(name), status)
}

func (fs *FileSink) write(dir, name string, event any) error {
	eventDir := filepath.Join(fs.basePath, dir)
	if err := os.MkdirAll(eventDir, 0755); err != nil {
		return fmt.Errorf("%w: create dir %s: %w", ErrSink, eventDir, err)
	}

	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: serialize event: %w", ErrSink, err)
	}

	filename := filepath.Join(eventDir, name)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("%w: write file %s: %w", ErrSink, filename, err)
	}

	logger.Debug().Str("file", filename).Msg("stored event to file")
	return nil
}

// Close implements Sink.
func (fs *FileSink) Close() error {
	return nil
}

// safeName keeps device supplied ids from escaping the base directory.
func safeName(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', 0:
			out[i] = '_'
		}
	}
	if name := string(out); name != "." && name != ".." && name != "" {
		return name
	}
	return "_"
}
