package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/envnode-ingest/api"
	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/ingest"
	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/mqtt"
	"github.com/eddielth/envnode-ingest/storage"
	"github.com/eddielth/envnode-ingest/telemetry"
	"github.com/eddielth/envnode-ingest/transformer"
	"github.com/eddielth/envnode-ingest/validator"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file, empty for environment only")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error().Err(err).Msg("service failed")
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			logger.Warn().Str("path", configPath).Msg("config file not found, using defaults and environment")
			configPath = ""
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		logger.Warn().Err(err).Msg("logger configuration problem")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := storage.Initialize(ctx, sink); err != nil {
		return err
	}

	transformers, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		return err
	}
	rangeValidator := validator.New(cfg.Validation)

	conn, err := mqtt.NewConnection(cfg.MQTT)
	if err != nil {
		return err
	}

	service := ingest.NewService(conn, sink,
		ingest.WithDecoder(telemetry.Decoder{Grammar: cfg.MQTT.SensorTopicGrammar}),
		ingest.WithTransformer(transformers),
		ingest.WithValidator(rangeValidator),
	)
	if err := service.Start(ctx); err != nil {
		return err
	}

	server := api.New(service, conn)
	if err := server.Start(cfg.HTTP.Listen); err != nil {
		service.Stop(context.Background())
		return err
	}

	if configPath != "" {
		err := config.WatchConfig(configPath, func(newCfg *config.Config) error {
			if err := transformers.Reload(newCfg.Transformers); err != nil {
				logger.Error().Err(err).Msg("failed to reload transformers, keeping previous scripts")
			}
			rangeValidator.SetRules(newCfg.Validation)
			if err := logger.SetLevel(newCfg.Logger.Level); err != nil {
				logger.Warn().Err(err).Msg("invalid log level in updated config")
			}
			logger.Info().Msg("broker and storage changes take effect after restart")
			return nil
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config file watching disabled")
		}
	}

	logger.Info().Str("store", storeName(sink)).Msg("telemetry ingestion service running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Close(); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := service.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ingestion shutdown incomplete")
	}

	logger.Info().Msg("service stopped")
	return nil
}

func storeName(sink storage.Sink) string {
	switch sink.(type) {
	case storage.NoopSink:
		return "noop"
	case *storage.Manager:
		return "multi"
	case *storage.FileSink:
		return "file"
	case *storage.SQLSink, *storage.MySQLSink:
		return "database"
	case *storage.InfluxDBSink:
		return "influxdb"
	case *storage.DynamoDBSink:
		return "dynamodb"
	default:
		return "custom"
	}
}
