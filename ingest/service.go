package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/mqtt"
	"github.com/eddielth/envnode-ingest/storage"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// Broker is the part of mqtt.Connection the service drives.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(topic string, handler mqtt.MessageHandler) mqtt.HandlerID
	AddMessageHandler(handler mqtt.MessageHandler) mqtt.HandlerID
	RemoveMessageHandler(id mqtt.HandlerID)
}

// ReadingTransformer rewrites a reading's metrics before it is cached.
type ReadingTransformer interface {
	TransformReading(reading telemetry.SensorReading) (telemetry.SensorReading, error)
}

// ReadingValidator rejects readings that must not be ingested.
type ReadingValidator interface {
	ValidateReading(reading telemetry.SensorReading) error
}

// errUnknownTopic marks messages on topics the service does not handle.
var errUnknownTopic = errors.New("unknown topic")

// Option configures a Service.
type Option func(*Service)

// WithDecoder sets the sensor topic grammar.
func WithDecoder(d telemetry.Decoder) Option {
	return func(s *Service) { s.decoder = d }
}

// WithTransformer applies t to every sensor reading.
func WithTransformer(t ReadingTransformer) Option {
	return func(s *Service) { s.transformer = t }
}

// WithValidator drops sensor readings that v rejects.
func WithValidator(v ReadingValidator) Option {
	return func(s *Service) { s.validator = v }
}

// WithPersistTimeout bounds each sink call.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Service) { s.persistTimeout = d }
}

// Service ingests sensor readings and chip statuses from the broker.
type Service struct {
	broker         Broker
	sink           storage.Sink
	cache          *Cache
	forwarder      atomic.Pointer[Forwarder] // replaced on every Start
	decoder        telemetry.Decoder
	transformer    ReadingTransformer
	validator      ReadingValidator
	persistTimeout time.Duration

	mu        sync.Mutex
	started   bool
	stopped   bool
	handlerID mqtt.HandlerID
}

// NewService creates a stopped Service. A nil sink discards events.
func NewService(broker Broker, sink storage.Sink, opts ...Option) *Service {
	s := &Service{
		broker: broker,
		sink:   sink,
		cache:  NewCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.forwarder.Store(NewForwarder(sink, s.persistTimeout))
	return s
}

// Start registers the message handler, declares the sensor and status
// subscriptions and connects. It is a no-op when already started. Only a
// failure to connect is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.stopped {
		s.forwarder.Store(NewForwarder(s.sink, s.persistTimeout))
		s.stopped = false
	}
	s.handlerID = s.broker.AddMessageHandler(s.handleMessage)
	s.broker.Subscribe(telemetry.SensorTopicWildcard, nil)
	s.broker.Subscribe(telemetry.StatusTopic, nil)

	if err := s.broker.Connect(ctx); err != nil {
		s.broker.RemoveMessageHandler(s.handlerID)
		return fmt.Errorf("start ingestion: %w", err)
	}

	s.started = true
	logger.Info().Str("sensors", telemetry.SensorTopicWildcard).Str("status", telemetry.StatusTopic).Msg("telemetry ingestion started")
	return nil
}

// Stop unregisters the handler, disconnects and waits for in-flight
// persistence up to ctx's deadline. The cache is kept.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	s.broker.RemoveMessageHandler(s.handlerID)
	var errs []error
	if err := s.broker.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	// a delivery already past the handler snapshot may still submit;
	// the closed forwarder drops it
	s.stopped = true
	if err := s.forwarder.Load().Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for pending writes: %w", err))
	}

	logger.Info().Msg("telemetry ingestion stopped")
	return errors.Join(errs...)
}

// Started reports whether the service is running.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// LatestSensorReadings returns a snapshot of the latest reading per sensor.
func (s *Service) LatestSensorReadings() []telemetry.SensorReading {
	return s.cache.SensorReadings()
}

// LatestChipStatuses returns a snapshot of the latest status per MCU.
func (s *Service) LatestChipStatuses() []telemetry.ChipStatus {
	return s.cache.ChipStatuses()
}

// handleMessage is the broker handler. Every failure is logged here so
// the broker never sees one.
func (s *Service) handleMessage(topic string, payload []byte) error {
	err := s.process(topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, errUnknownTopic):
		logger.Debug().Str("topic", topic).Msg("ignoring message on unhandled topic")
	default:
		logger.Warn().Err(err).Str("topic", topic).Msg("dropping telemetry message")
	}
	return nil
}

func (s *Service) process(topic string, payload []byte) error {
	isSensor := telemetry.IsSensorTopic(topic)
	if !isSensor && topic != telemetry.StatusTopic {
		return errUnknownTopic
	}

	obj, err := telemetry.ParseObject(payload)
	if err != nil {
		return err
	}

	if isSensor {
		return s.ingestSensorReading(obj, topic)
	}
	return s.ingestChipStatus(obj, topic)
}

func (s *Service) ingestSensorReading(obj telemetry.Object, topic string) error {
	reading, err := s.decoder.DecodeSensorPayload(obj, topic)
	if err != nil {
		return err
	}

	if s.transformer != nil {
		transformed, err := s.transformer.TransformReading(reading)
		if err != nil {
			logger.Warn().Err(err).Str("mcu_id", reading.McuID).Str("sensor_id", reading.SensorID).Msg("transform failed, keeping original metrics")
		} else {
			reading = transformed
		}
	}

	if s.validator != nil {
		if err := s.validator.ValidateReading(reading); err != nil {
			return err
		}
	}

	s.cache.PutSensorReading(reading)
	s.forwarder.Load().SubmitSensorReading(reading)

	logger.Debug().Str("mcu_id", reading.McuID).Str("sensor_id", reading.SensorID).Str("sensor_type", reading.SensorType).Msg("sensor reading ingested")
	return nil
}

func (s *Service) ingestChipStatus(obj telemetry.Object, topic string) error {
	status, err := telemetry.DecodeChipStatusPayload(obj, topic)
	if err != nil {
		return err
	}

	s.cache.PutChipStatus(status)
	s.forwarder.Load().SubmitChipStatus(status)

	logger.Debug().Str("mcu_id", status.McuID).Str("ip_address", status.IPAddress).Msg("chip status ingested")
	return nil
}
