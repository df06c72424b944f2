// Package msglog implements C4: the append-only message log, session/resume
// store, channel membership persistence, and PendingAck store described in
// spec §3 and §4.6–§4.8.
package msglog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open the message log database.
type Config struct {
	DSN      string // path to the sqlite file, or ":memory:"/"file::memory:?cache=shared" for tests
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel

	// SlowQueryThreshold overrides the default 200ms slow-query boundary.
	// The message log sits on the broker's delivery hot path (every SEND,
	// DELIVER, and resume replay touches it), so unlike a request-scoped web
	// handler a "slow" query here is one the caller is blocking a live
	// Connection on — callers with tighter latency budgets can lower it.
	SlowQueryThreshold time.Duration

	// OnSlowQuery, if set, is called once per query exceeding
	// SlowQueryThreshold, letting the broker count them as a metric without
	// this package importing a metrics library itself (the same hook shape
	// router.Config.OnInjectionResult uses).
	OnSlowQuery func(sql string, elapsed time.Duration)
}

// Open opens the sqlite-backed message log, applies pending migrations, and
// returns the ready-to-use *gorm.DB. The broker keeps exactly one message
// log regardless of how many local Connections it serves.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("msglog: logger is required")
	}

	sqlDB, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("msglog: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel, cfg.SlowQueryThreshold, cfg.OnSlowQuery)}
	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("msglog: init gorm: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("msglog: migrations: %w", err)
	}

	return database, nil
}

// Ping verifies the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("msglog: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("message log migrations applied")
	return nil
}
