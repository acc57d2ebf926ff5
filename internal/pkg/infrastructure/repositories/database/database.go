package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultDatabaseURI string = "sqlite://data/gas_monitor.db"

type ConnectorConfig struct {
	Host     string
	Username string
	DbName   string
	Password string
	SslMode  string
}

func (cfg ConnectorConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", cfg.Host, cfg.Username, cfg.DbName, cfg.SslMode, cfg.Password)
}

func LoadConfigFromEnv() ConnectorConfig {
	sslMode := os.Getenv("POSTGRES_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	return ConnectorConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		Username: os.Getenv("POSTGRES_USER"),
		DbName:   os.Getenv("POSTGRES_DBNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SslMode:  sslMode,
	}
}

type ConnectorFunc func() (*gorm.DB, error)

// NewConnector picks a connector from a database URI. PostgreSQL URLs and key/value DSNs
// are handed to the postgres driver, everything else is treated as a SQLite location.
func NewConnector(ctx context.Context, uri string) ConnectorFunc {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"), strings.HasPrefix(uri, "host="):
		return newPostgreSQLConnector(ctx, uri)
	case strings.HasPrefix(uri, "sqlite:///"):
		return NewSQLiteConnector(ctx, strings.TrimPrefix(uri, "sqlite:///"))
	case strings.HasPrefix(uri, "sqlite://"):
		return NewSQLiteConnector(ctx, strings.TrimPrefix(uri, "sqlite://"))
	default:
		return NewSQLiteConnector(ctx, uri)
	}
}

func NewSQLiteConnector(ctx context.Context, dsn string) ConnectorFunc {
	if dsn == "" {
		dsn = "file::memory:"
	}

	return func() (*gorm.DB, error) {
		if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("could not create database directory: %w", err)
			}
		}

		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:          logger.Default.LogMode(logger.Silent),
			CreateBatchSize: 1000,
			NowFunc:         func() time.Time { return time.Now().UTC() },
		})

		if err == nil {
			sqldb, _ := db.DB()
			// sqlite serializes writers, and an in-memory database only lives as long as its connection
			sqldb.SetMaxOpenConns(1)
		}

		return db, err
	}
}

func NewPostgreSQLConnector(ctx context.Context, cfg ConnectorConfig) ConnectorFunc {
	return newPostgreSQLConnector(ctx, cfg.DSN())
}

func newPostgreSQLConnector(ctx context.Context, dsn string) ConnectorFunc {
	log := logging.GetFromContext(ctx)

	return func() (*gorm.DB, error) {
		sublogger := log.With().Str("driver", "postgres").Logger()
		sublogger.Info().Msg("connecting to database host")

		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.New(
				&logadapter{logger: sublogger},
				logger.Config{
					SlowThreshold:             time.Second,
					LogLevel:                  logger.Warn,
					IgnoreRecordNotFoundError: true,
					Colorful:                  false,
				},
			),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			sublogger.Error().Err(err).Msg("failed to connect to database")
			return nil, err
		}

		return db, nil
	}
}

// logadapter provides a Printf interface to the gorm logger
// so that we can forward the log data to zerolog
type logadapter struct {
	logger zerolog.Logger
}

func (adapter *logadapter) Printf(format string, args ...interface{}) {
	adapter.logger.Info().Msgf(format, args...)
}
