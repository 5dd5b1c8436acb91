package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
)

const sqliteBusyTimeoutMs = 5000

var sqliteDialect = dialect{
	name:     SQLite,
	bind:     func(int) string { return "?" },
	bindJSON: func(int) string { return "?" },
	schema: func(t tableNames) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mcu_id TEXT NOT NULL,
	mcu_mac TEXT NULL,
	sensor_type TEXT NOT NULL,
	sensor_id TEXT NOT NULL,
	event_timestamp TIMESTAMP NOT NULL,
	temp_c REAL NULL,
	metrics TEXT NOT NULL,
	extras TEXT NOT NULL,
	raw TEXT NOT NULL,
	inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, t.sensor),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mcu_id TEXT NOT NULL,
	mcu_mac TEXT NULL,
	event_timestamp TIMESTAMP NOT NULL,
	ip_address TEXT NOT NULL,
	details TEXT NOT NULL,
	inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, t.status),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (mcu_id, sensor_id, event_timestamp DESC)", t.sensorIndex, t.sensor),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (mcu_id, event_timestamp DESC)", t.statusIndex, t.status),
		}
	},
}

// NewSQLiteSink opens the SQLite file named by cfg.DSN or cfg.Database in
// WAL mode. SQLite has a single writer, so the pool holds one connection.
func NewSQLiteSink(cfg config.DatabaseStorageConfig) (*SQLSink, error) {
	if err := validateTables(cfg, false); err != nil {
		return nil, err
	}

	path := cfg.DSN
	if path == "" {
		path = cfg.Database
	}
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite storage requires a database file path", config.ErrConfiguration)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: create database directory: %w", ErrSink, err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, sqliteBusyTimeoutMs)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", ErrSink, err)
	}

	logger.Info().Str("path", path).Msg("SQLite storage configured")
	return newSQLSink(db, sqliteDialect, newTableNames("", cfg.SensorTable, cfg.StatusTable), 1), nil
}
