// Package db opens the relational store that backs the catalog tables, the
// backup history and the job queue, and applies the embedded schema
// migrations before handing the connection to the rest of the server.
// SQLite (modernc, pure Go) covers single-node deployments; PostgreSQL
// covers shared ones.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registers as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported values for Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the backing store. Driver defaults to sqlite.
type Config struct {
	Driver   string
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
	// SlowQueryThreshold marks statements logged at warn level. Zero uses
	// the built-in default; a negative value disables slow-query logging.
	SlowQueryThreshold time.Duration
}

// Open connects, verifies the store answers, and brings the schema up to
// date. The returned *gorm.DB is what the tablestore and the queue run on.
func Open(ctx context.Context, cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	gormCfg := &gorm.Config{
		Logger: newQueryLogger(cfg.Logger, cfg.LogLevel, cfg.SlowQueryThreshold),
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		gdb   *gorm.DB
		sqlDB *sql.DB
		err   error
	)
	switch driver {
	case DriverSQLite:
		gdb, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
	case DriverPostgres:
		gdb, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
	default:
		err = fmt.Errorf("db: unsupported driver %q, use %q or %q", cfg.Driver, DriverSQLite, DriverPostgres)
	}
	if err != nil {
		return nil, err
	}

	if err := Ping(ctx, gdb); err != nil {
		return nil, fmt.Errorf("db: %s unreachable: %w", driver, err)
	}
	if err := migrateUp(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations: %w", err)
	}
	return gdb, nil
}

// openSQLite goes through database/sql first so GORM reuses the modernc
// connection instead of dialing go-sqlite3. The single connection doubles
// as the write lock the queue's guarded updates rely on.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: gorm over sqlite: %w", err)
	}
	return gdb, sqlDB, nil
}

// sqliteDSN appends the pragmas a long-running single writer wants: WAL
// keeps readers off the write lock during dumps, busy_timeout absorbs
// momentary contention. A DSN already carrying pragmas is passed through.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") || strings.HasPrefix(dsn, ":memory:") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	gdb, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, sqlDB, nil
}

// Ping verifies the connection is alive. Open calls it before migrating so
// a bad DSN fails fast instead of surfacing as a migration error.
func Ping(ctx context.Context, gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateUp applies the pending embedded up-migrations. An already-current
// schema is not an error.
func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	drv, err := migrateDriver(sqlDB, driver)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	if v, dirty, verr := m.Version(); verr == nil {
		log.Info("schema ready", zap.Uint("version", v), zap.Bool("dirty", dirty))
	}
	return nil
}

func migrateDriver(sqlDB *sql.DB, driver string) (database.Driver, error) {
	switch driver {
	case DriverSQLite:
		return migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case DriverPostgres:
		return migratepg.WithInstance(sqlDB, &migratepg.Config{})
	}
	return nil, fmt.Errorf("no migration driver for %q", driver)
}
