package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"apitelemetry/internal/config"
)

// ErrStorageDisabled is returned when no database URL is configured.
var ErrStorageDisabled = errors.New("storage is not configured (APP_DATABASE_URL is empty)")

// Connect opens a GORM connection using APP_DATABASE_URL (PostgreSQL URL)
// and migrates the telemetry tables.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, ErrStorageDisabled
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	return Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
}

// Open opens a database through any GORM dialector and auto-migrates the
// schema. Tests use it with SQLite.
func Open(dialector gorm.Dialector, gcfg *gorm.Config) (*gorm.DB, error) {
	if gcfg == nil {
		gcfg = &gorm.Config{}
	}
	if gcfg.Logger == nil {
		gcfg.Logger = gormlogger.Default.LogMode(gormlogger.Warn)
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the three telemetry tables and the run ledger,
// including the timestamp/bucket and dimension indexes.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&PerformanceRecord{}, &InteractionEvent{}, &AggregatedSummary{}, &AggregationRun{})
}

// IsPostgres reports whether db talks to PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// strictTxOptions returns the strictest isolation the backend offers.
// SQLite transactions are serializable already and its driver takes no
// isolation option.
func strictTxOptions(db *gorm.DB) *sql.TxOptions {
	if IsPostgres(db) {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
