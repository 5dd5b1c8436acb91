package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
)

var postgresDialect = dialect{
	name:     PostgreSQL,
	bind:     func(n int) string { return "$" + strconv.Itoa(n) },
	bindJSON: func(n int) string { return "$" + strconv.Itoa(n) + "::jsonb" },
	schema: func(t tableNames) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	mcu_id TEXT NOT NULL,
	mcu_mac TEXT NULL,
	sensor_type TEXT NOT NULL,
	sensor_id TEXT NOT NULL,
	event_timestamp TIMESTAMPTZ NOT NULL,
	temp_c DOUBLE PRECISION NULL,
	metrics JSONB NOT NULL,
	extras JSONB NOT NULL,
	raw JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t.sensor),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	mcu_id TEXT NOT NULL,
	mcu_mac TEXT NULL,
	event_timestamp TIMESTAMPTZ NOT NULL,
	ip_address TEXT NOT NULL,
	details JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t.status),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (mcu_id, sensor_id, event_timestamp DESC)", t.sensorIndex, t.sensor),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (mcu_id, event_timestamp DESC)", t.statusIndex, t.status),
		}
	},
}

// NewPostgreSQLSink validates the schema and table names and opens a
// connection pool. Either cfg.DSN or host, user, password and database
// must be set.
func NewPostgreSQLSink(cfg config.DatabaseStorageConfig) (*SQLSink, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if err := validateTables(cfg, true); err != nil {
		return nil, err
	}

	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse PostgreSQL DSN: %w", config.ErrConfiguration, err)
	}

	sink := newSQLSink(sql.OpenDB(connector), postgresDialect, newTableNames(cfg.Schema, cfg.SensorTable, cfg.StatusTable), cfg.PoolMax)
	logger.Info().Str("schema", cfg.Schema).Msg("PostgreSQL storage configured")
	return sink, nil
}

// postgresDSN returns cfg.DSN or builds a key/value DSN from the
// discrete fields.
func postgresDSN(cfg config.DatabaseStorageConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	var missing []string
	for _, field := range []struct{ label, value string }{
		{"host", cfg.Host},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"database", cfg.Database},
	} {
		if field.value == "" {
			missing = append(missing, field.label)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: postgresql storage requires dsn or %s", config.ErrConfiguration, strings.Join(missing, ", "))
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := "disable"
	if cfg.SSL {
		sslMode = "require"
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(cfg.Host), port, quoteDSNValue(cfg.User), quoteDSNValue(cfg.Password), quoteDSNValue(cfg.Database), sslMode), nil
}

// quoteDSNValue quotes a key/value DSN value per libpq rules.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
