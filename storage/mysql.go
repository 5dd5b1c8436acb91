package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
)

var mysqlDialect = dialect{
	name:     MySQL,
	bind:     func(int) string { return "?" },
	bindJSON: func(int) string { return "?" },
	schema: func(t tableNames) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	mcu_id VARCHAR(255) NOT NULL,
	mcu_mac VARCHAR(64) NULL,
	sensor_type VARCHAR(255) NOT NULL,
	sensor_id VARCHAR(255) NOT NULL,
	event_timestamp DATETIME(3) NOT NULL,
	temp_c DOUBLE NULL,
	metrics JSON NOT NULL,
	extras JSON NOT NULL,
	raw JSON NOT NULL,
	inserted_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	INDEX %s (mcu_id, sensor_id, event_timestamp DESC)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, t.sensor, t.sensorIndex),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	mcu_id VARCHAR(255) NOT NULL,
	mcu_mac VARCHAR(64) NULL,
	event_timestamp DATETIME(3) NOT NULL,
	ip_address VARCHAR(64) NOT NULL,
	details JSON NOT NULL,
	inserted_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	INDEX %s (mcu_id, event_timestamp DESC)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, t.status, t.statusIndex),
		}
	},
}

// MySQLSink is a SQLSink that also creates its database on Initialize.
type MySQLSink struct {
	*SQLSink
	mysqlConfig *mysql.Config
}

// NewMySQLSink opens a MySQL connection pool. The schema setting is not
// used; tables live in the DSN's database.
func NewMySQLSink(cfg config.DatabaseStorageConfig) (*MySQLSink, error) {
	if err := validateTables(cfg, false); err != nil {
		return nil, err
	}

	mysqlConfig, err := mysqlDSNConfig(cfg)
	if err != nil {
		return nil, err
	}

	connector, err := mysql.NewConnector(mysqlConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql connector: %w", config.ErrConfiguration, err)
	}

	sink := newSQLSink(sql.OpenDB(connector), mysqlDialect, newTableNames("", cfg.SensorTable, cfg.StatusTable), cfg.PoolMax)
	logger.Info().Str("database", mysqlConfig.DBName).Msg("MySQL storage configured")
	return &MySQLSink{SQLSink: sink, mysqlConfig: mysqlConfig}, nil
}

func mysqlDSNConfig(cfg config.DatabaseStorageConfig) (*mysql.Config, error) {
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: parse MySQL DSN: %w", config.ErrConfiguration, err)
		}
		if parsed.DBName == "" {
			return nil, fmt.Errorf("%w: MySQL DSN has no database name", config.ErrConfiguration)
		}
		parsed.ParseTime = true
		return parsed, nil
	}

	if cfg.Host == "" || cfg.User == "" || cfg.Database == "" {
		return nil, fmt.Errorf("%w: mysql storage requires dsn or host, user and database", config.ErrConfiguration)
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	mysqlConfig := mysql.NewConfig()
	mysqlConfig.User = cfg.User
	mysqlConfig.Passwd = cfg.Password
	mysqlConfig.Net = "tcp"
	mysqlConfig.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mysqlConfig.DBName = cfg.Database
	mysqlConfig.ParseTime = true
	if cfg.SSL {
		mysqlConfig.TLSConfig = "true"
	}
	return mysqlConfig, nil
}

// Initialize makes sure the database exists, then creates the tables.
func (ms *MySQLSink) Initialize(ctx context.Context) error {
	if !config.ValidIdentifier(ms.mysqlConfig.DBName) {
		return fmt.Errorf("%w: invalid MySQL database name %q", config.ErrConfiguration, ms.mysqlConfig.DBName)
	}

	serverConfig := ms.mysqlConfig.Clone()
	serverConfig.DBName = ""
	connector, err := mysql.NewConnector(serverConfig)
	if err != nil {
		return fmt.Errorf("%w: mysql server connector: %w", ErrSink, err)
	}
	serverDB := sql.OpenDB(connector)
	defer serverDB.Close()

	stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", ms.mysqlConfig.DBName)
	if _, err := serverDB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create MySQL database: %w", ErrSink, err)
	}
	logger.Info().Str("database", ms.mysqlConfig.DBName).Msg("MySQL database ensured")

	return ms.SQLSink.Initialize(ctx)
}
