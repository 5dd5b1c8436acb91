package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// Database types accepted in storage.database.type.
const (
	MySQL      = "mysql"
	PostgreSQL = "postgresql"
	SQLite     = "sqlite"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// bind returns the placeholder for the n-th (1-based) argument.
	bind func(n int) string
	// bindJSON is bind for a JSON document argument.
	bindJSON func(n int) string
	// schema returns the DDL statements run by Initialize.
	schema func(t tableNames) []string
}

type tableNames struct {
	sensor      string // qualified
	status      string // qualified
	sensorIndex string
	statusIndex string
}

func newTableNames(schema, sensorTable, statusTable string) tableNames {
	qualify := func(table string) string {
		if schema == "" {
			return table
		}
		return schema + "." + table
	}
	return tableNames{
		sensor:      qualify(sensorTable),
		status:      qualify(statusTable),
		sensorIndex: "idx_" + sensorTable + "_mcu_sensor_ts",
		statusIndex: "idx_" + statusTable + "_mcu_ts",
	}
}

// validateTables checks the configured identifiers before they are
// interpolated into SQL.
func validateTables(cfg config.DatabaseStorageConfig, withSchema bool) error {
	names := map[string]string{
		"sensor_table": cfg.SensorTable,
		"status_table": cfg.StatusTable,
	}
	if withSchema {
		names["schema"] = cfg.Schema
	}
	for label, value := range names {
		if !config.ValidIdentifier(value) {
			return fmt.Errorf("%w: invalid SQL identifier for %s: %q", config.ErrConfiguration, label, value)
		}
	}
	return nil
}

// SQLSink persists events into two relational tables.
type SQLSink struct {
	db           *sql.DB
	dialect      dialect
	tables       tableNames
	insertSensor string
	insertStatus string
}

func newSQLSink(db *sql.DB, d dialect, tables tableNames, poolMax int) *SQLSink {
	if poolMax <= 0 {
		poolMax = 10
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(max(1, poolMax/2))
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLSink{
		db:      db,
		dialect: d,
		tables:  tables,
		insertSensor: fmt.Sprintf(
			"INSERT INTO %s (mcu_id, mcu_mac, sensor_type, sensor_id, event_timestamp, temp_c, metrics, extras, raw) VALUES (%s)",
			tables.sensor, placeholders(d, 9, 7, 8, 9)),
		insertStatus: fmt.Sprintf(
			"INSERT INTO %s (mcu_id, mcu_mac, event_timestamp, ip_address, details) VALUES (%s)",
			tables.status, placeholders(d, 5, 5)),
	}
}

func placeholders(d dialect, n int, jsonArgs ...int) string {
	isJSON := make(map[int]bool, len(jsonArgs))
	for _, i := range jsonArgs {
		isJSON[i] = true
	}
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		if isJSON[i] {
			parts[i-1] = d.bindJSON(i)
		} else {
			parts[i-1] = d.bind(i)
		}
	}
	return strings.Join(parts, ", ")
}

// Initialize creates the tables and indexes if they do not exist.
func (s *SQLSink) Initialize(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.tables) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %s schema setup: %w", ErrSink, s.dialect.name, err)
		}
	}
	logger.Info().Str("backend", s.dialect.name).Str("sensor_table", s.tables.sensor).Str("status_table", s.tables.status).Msg("database tables initialized")
	return nil
}

// SaveSensorReading inserts one row into the sensor table.
func (s *SQLSink) SaveSensorReading(ctx context.Context, reading telemetry.SensorReading) error {
	metrics, err := json.Marshal(reading.Metrics)
	if err != nil {
		return fmt.Errorf("%w: serialize metrics: %w", ErrSink, err)
	}
	extras, err := json.Marshal(reading.Extras)
	if err != nil {
		return fmt.Errorf("%w: serialize extras: %w", ErrSink, err)
	}
	raw, err := json.Marshal(reading.Raw)
	if err != nil {
		return fmt.Errorf("%w: serialize raw payload: %w", ErrSink, err)
	}

	_, err = s.db.ExecContext(ctx, s.insertSensor,
		reading.McuID,
		nullableString(reading.McuMAC),
		reading.SensorType,
		reading.SensorID,
		reading.Timestamp.UTC(),
		nullableFloat(reading.TempC),
		string(metrics),
		string(extras),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %s insert sensor reading: %w", ErrSink, s.dialect.name, err)
	}

	logger.Debug().Str("backend", s.dialect.name).Str("mcu_id", reading.McuID).Str("sensor_id", reading.SensorID).Msg("stored sensor reading")
	return nil
}

// SaveChipStatus inserts one row into the status table.
func (s *SQLSink) SaveChipStatus(ctx context.Context, status telemetry.ChipStatus) error {
	details, err := json.Marshal(status.Details)
	if err != nil {
		return fmt.Errorf("%w: serialize details: %w", ErrSink, err)
	}

	_, err = s.db.ExecContext(ctx, s.insertStatus,
		status.McuID,
		nullableString(status.McuMAC),
		status.Timestamp.UTC(),
		status.IPAddress,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("%w: %s insert chip status: %w", ErrSink, s.dialect.name, err)
	}

	logger.Debug().Str("backend", s.dialect.name).Str("mcu_id", status.McuID).Msg("stored chip status")
	return nil
}

// Close closes the connection pool.
func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrSink, s.dialect.name, err)
	}
	logger.Info().Str("backend", s.dialect.name).Msg("database connection closed")
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// NewDatabaseSink builds the SQL sink selected by cfg.Type. No connection
// is made until the first statement.
func NewDatabaseSink(cfg config.DatabaseStorageConfig) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case MySQL:
		sink, err := NewMySQLSink(cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case PostgreSQL, "postgres":
		return asSink(NewPostgreSQLSink(cfg))
	case SQLite, "sqlite3":
		return asSink(NewSQLiteSink(cfg))
	default:
		return nil, fmt.Errorf("%w: unsupported database type: %q", config.ErrConfiguration, cfg.Type)
	}
}

func asSink(s *SQLSink, err error) (Sink, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
