package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/storage"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// DefaultPersistTimeout bounds one sink call.
const DefaultPersistTimeout = 10 * time.Second

// Forwarder submits events to a sink without waiting for the result.
// Each submission runs in its own goroutine; errors and panics are
// logged and dropped. Once closed it drops new submissions.
type Forwarder struct {
	sink    storage.Sink
	timeout time.Duration
	wg      conc.WaitGroup

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewForwarder returns a Forwarder for sink. A timeout <= 0 selects
// DefaultPersistTimeout.
func NewForwarder(sink storage.Sink, timeout time.Duration) *Forwarder {
	if sink == nil {
		sink = storage.NoopSink{}
	}
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	return &Forwarder{sink: sink, timeout: timeout, done: make(chan struct{})}
}

// SubmitSensorReading persists reading in the background.
func (f *Forwarder) SubmitSensorReading(reading telemetry.SensorReading) {
	f.submit("sensor_reading", reading.Key().String(), func(ctx context.Context) error {
		return f.sink.SaveSensorReading(ctx, reading)
	})
}

// SubmitChipStatus persists status in the background.
func (f *Forwarder) SubmitChipStatus(status telemetry.ChipStatus) {
	f.submit("chip_status", status.McuID, func(ctx context.Context) error {
		return f.sink.SaveChipStatus(ctx, status)
	})
}

func (f *Forwarder) submit(event, key string, save func(ctx context.Context) error) {
	// wg.Go must not race the wg.Wait started by Close.
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		logger.Debug().Str("event", event).Str("key", key).Msg("forwarder closed, dropping telemetry event")
		return
	}

	f.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		var err error
		if recovered := panics.Try(func() { err = save(ctx) }); recovered != nil {
			err = recovered.AsError()
		}
		if err != nil {
			logger.Error().Err(err).Str("event", event).Str("key", key).Msg("failed to persist telemetry event")
		}
	})
}

// Close stops accepting submissions and blocks until every submitted
// event has been handled or ctx is done. It may be called again to keep
// waiting after ctx expired.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		go func() {
			f.wg.Wait()
			close(f.done)
		}()
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
