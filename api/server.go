// Package api serves the read-only HTTP view of the ingestion cache.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/mqtt"
	"github.com/eddielth/envnode-ingest/telemetry"
)

const (
	readHeaderTimeout       = 5 * time.Second
	gracefulShutdownTimeout = 10 * time.Second
)

// LatestState is the cache view the API serves.
type LatestState interface {
	LatestSensorReadings() []telemetry.SensorReading
	LatestChipStatuses() []telemetry.ChipStatus
}

// BrokerStatus reports the broker connection state for /health.
type BrokerStatus interface {
	State() mqtt.State
}

// Server is the HTTP server.
type Server struct {
	state  LatestState
	broker BrokerStatus
	server *http.Server
}

// New creates a Server. broker may be nil.
func New(state LatestState, broker BrokerStatus) *Server {
	return &Server{state: state, broker: broker}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("API listening")
	return nil
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}
