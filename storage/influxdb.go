package storage

import (
	"context"
	"fmt"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

const (
	sensorMeasurement = "sensor_reading"
	statusMeasurement = "chip_status"
)

// InfluxDBSink writes events as points through the non-blocking write API.
// Points are batched by the client; write failures arrive asynchronously
// and are logged.
type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
	once     sync.Once
}

// NewInfluxDBSink creates the client. It does not contact the server.
func NewInfluxDBSink(cfg config.InfluxDBConfig) (*InfluxDBSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: influxdb storage requires url, org and bucket", config.ErrConfiguration)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 1000
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)),
	)

	s := &InfluxDBSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:     make(chan struct{}),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())

	logger.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("InfluxDB storage configured")
	return s, nil
}

func (s *InfluxDBSink) handleWriteErrors(errorsCh <-chan error) {
	for {
		select {
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("InfluxDB write failed")
		case <-s.done:
			return
		}
	}
}

// Initialize checks that the server is reachable.
func (s *InfluxDBSink) Initialize(ctx context.Context) error {
	healthy, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: influxdb ping: %w", ErrSink, err)
	}
	if !healthy {
		return fmt.Errorf("%w: influxdb server not healthy", ErrSink)
	}
	return nil
}

// SaveSensorReading queues one point tagged by device and sensor with one
// field per metric.
func (s *InfluxDBSink) SaveSensorReading(_ context.Context, reading telemetry.SensorReading) error {
	fields := make(map[string]interface{}, len(reading.Metrics))
	for _, m := range reading.Metrics {
		fields[m.Name] = m.Value
	}
	if len(fields) == 0 {
		logger.Debug().Str("mcu_id", reading.McuID).Str("sensor_id", reading.SensorID).Msg("sensor reading has no metrics, skipping InfluxDB write")
		return nil
	}

	tags := map[string]string{
		"mcu_id":      reading.McuID,
		"sensor_type": reading.SensorType,
		"sensor_id":   reading.SensorID,
	}
	if reading.McuMAC != "" {
		tags["mcu_mac"] = reading.McuMAC
	}

	s.writeAPI.WritePoint(write.NewPoint(sensorMeasurement, tags, fields, reading.Timestamp))
	return nil
}

// SaveChipStatus queues one point carrying the IP address and any numeric
// details.
func (s *InfluxDBSink) SaveChipStatus(_ context.Context, status telemetry.ChipStatus) error {
	fields := map[string]interface{}{
		"ip_address": status.IPAddress,
	}
	for _, f := range status.Details {
		switch f.Value.Kind() {
		case telemetry.KindNumber, telemetry.KindString, telemetry.KindBool:
			fields[f.Name] = f.Value.Interface()
		}
	}

	tags := map[string]string{"mcu_id": status.McuID}
	if status.McuMAC != "" {
		tags["mcu_mac"] = status.McuMAC
	}

	s.writeAPI.WritePoint(write.NewPoint(statusMeasurement, tags, fields, status.Timestamp))
	return nil
}

// Close flushes pending points and closes the client.
func (s *InfluxDBSink) Close() error {
	s.once.Do(func() {
		s.writeAPI.Flush()
		s.client.Close()
		close(s.done)
		logger.Info().Msg("InfluxDB connection closed")
	})
	return nil
}
