package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/iter"

	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// ErrSink wraps every persistence failure returned by a Sink.
var ErrSink = errors.New("telemetry sink")

// Sink is a durable destination for decoded telemetry events.
type Sink interface {
	SaveSensorReading(ctx context.Context, reading telemetry.SensorReading) error
	SaveChipStatus(ctx context.Context, status telemetry.ChipStatus) error
	Close() error
}

// Initializer is implemented by sinks that need one-time setup, such as
// creating tables, before the first event is saved.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Initialize runs sink's one-time setup if it has any.
func Initialize(ctx context.Context, sink Sink) error {
	if init, ok := sink.(Initializer); ok {
		return init.Initialize(ctx)
	}
	return nil
}

// NoopSink discards every event. It is used when no store is configured.
type NoopSink struct{}

func (NoopSink) SaveSensorReading(context.Context, telemetry.SensorReading) error { return nil }
func (NoopSink) SaveChipStatus(context.Context, telemetry.ChipStatus) error { return nil }
func (NoopSink) Close() error { return nil }

// Manager fans each event out to several sinks. Failures of one backend do
// not stop the others; all of them are returned joined.
type Manager struct {
	backends []Sink
	mutex    sync.RWMutex
}

// NewManager creates a Manager over backends.
func NewManager(backends ...Sink) *Manager {
	return &Manager{backends: backends}
}

// AddBackend adds a sink to the fan-out.
func (m *Manager) AddBackend(backend Sink) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

func (m *Manager) snapshot() []Sink {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]Sink(nil), m.backends...)
}

// SaveSensorReading writes reading to every backend concurrently.
func (m *Manager) SaveSensorReading(ctx context.Context, reading telemetry.SensorReading) error {
	return m.each(func(s Sink) error { return s.SaveSensorReading(ctx, reading) })
}

// SaveChipStatus writes status to every backend concurrently.
func (m *Manager) SaveChipStatus(ctx context.Context, status telemetry.ChipStatus) error {
	return m.each(func(s Sink) error { return s.SaveChipStatus(ctx, status) })
}

func (m *Manager) each(fn func(Sink) error) error {
	backends := m.snapshot()
	errs := iter.Map(backends, func(s *Sink) error { return fn(*s) })
	return errors.Join(errs...)
}

// Initialize initializes every backend that needs it.
func (m *Manager) Initialize(ctx context.Context) error {
	var errs []error
	for _, backend := range m.snapshot() {
		if err := Initialize(ctx, backend); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all backends.
func (m *Manager) Close() error {
	var errs []error
	for _, backend := range m.snapshot() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close storage backend")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
