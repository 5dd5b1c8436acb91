package storage

import (
	"context"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
)

// NewFromConfig builds the enabled backends. With none enabled it returns
// a NoopSink; with one, that backend; with several, a Manager over them.
// Backends built before a failure are closed.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Sink, error) {
	var backends []Sink

	fail := func(err error) (Sink, error) {
		for _, b := range backends {
			b.Close()
		}
		return nil, err
	}

	if cfg.File.Enabled {
		sink, err := NewFileSink(cfg.File.Path)
		if err != nil {
			return fail(err)
		}
		backends = append(backends, sink)
	}

	if cfg.Database.Enabled {
		sink, err := NewDatabaseSink(cfg.Database)
		if err != nil {
			return fail(err)
		}
		backends = append(backends, sink)
	}

	if cfg.InfluxDB.Enabled {
		sink, err := NewInfluxDBSink(cfg.InfluxDB)
		if err != nil {
			return fail(err)
		}
		backends = append(backends, sink)
	}

	if cfg.DynamoDB.Enabled {
		sink, err := NewDynamoDBSink(ctx, cfg.DynamoDB)
		if err != nil {
			return fail(err)
		}
		backends = append(backends, sink)
	}

	switch len(backends) {
	case 0:
		logger.Info().Msg("no telemetry store configured, events are not persisted")
		return NoopSink{}, nil
	case 1:
		return backends[0], nil
	default:
		return NewManager(backends...), nil
	}
}
