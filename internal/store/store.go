// Package store is the relational persistence layer: infrastructures, their
// monitoring points, processing jobs and deformation measurements.
//
// The Job Store is the single source of truth for job status. Every status
// change goes through JobStore.Transition, a compare-and-set on the current
// status (and optionally the row version), so concurrent deliveries of the
// same job serialize in the database rather than in process memory.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store errors
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrStateConflict indicates a transition lost a race: the job's status
	// (or version) no longer matched what the caller expected
	ErrStateConflict = errors.New("state conflict")

	// ErrInvalidTransition indicates the requested edge is not part of the job
	// state machine (including any edge out of a terminal status)
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateExternalID indicates another job already owns the external id
	ErrDuplicateExternalID = errors.New("external job id already assigned")
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds database connection settings.
type Config struct {
	// Driver is "postgres" or "sqlite"
	Driver string

	// DSN is the driver-specific connection string
	DSN string

	// MaxOpenConns caps the connection pool (postgres only; sqlite uses 1)
	MaxOpenConns int

	// ConnectAttempts is how many times to try connecting (default: 1)
	ConnectAttempts int

	// ConnectDelay is the pause between connection attempts (default: 2s)
	ConnectDelay time.Duration

	// Debug enables SQL statement logging
	Debug bool
}

// Open connects to the configured database, retrying as configured.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.ConnectDelay == 0 {
		cfg.ConnectDelay = 2 * time.Second
	}

	var lastErr error
	for i := 1; i <= cfg.ConnectAttempts; i++ {
		db, err := open(cfg)
		if err == nil {
			return db, nil
		}
		lastErr = err
		if i < cfg.ConnectAttempts {
			time.Sleep(cfg.ConnectDelay)
		}
	}
	return nil, fmt.Errorf("db connect failed after %d attempts: %w", cfg.ConnectAttempts, lastErr)
}

func open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == DriverPostgres {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	} else {
		// SQLite allows a single writer; one connection keeps writes ordered
		// without SQLITE_BUSY retries.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// sqliteDSN turns on foreign key enforcement unless the DSN already sets it.
// SQLite leaves it off per connection, and the ON DELETE CASCADE constraints
// depend on it.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Infrastructure{}, &Point{}, &Job{}, &Deformation{}); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
