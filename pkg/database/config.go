package database

import (
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Supported drivers. DriverMemory selects the in-process store and never
// opens a SQL connection.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds database configuration
// ARCHITECTURAL DISCOVERY: Configuration struct provides all database settings
// needed for production deployment without hardcoded values
type Config struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	DSN             string        `json:"dsn" mapstructure:"dsn"` // file path for sqlite3, URL for postgres
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// DefaultConfig returns production-ready database configuration
// FUNCTIONAL DISCOVERY: SQLite performs well with 10 connections for a
// classroom of up to 50 concurrent students
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DSN:             "./data/ue1live.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	case DriverMemory:
		return nil
	default:
		return errors.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("database dsn cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// IsMemory reports whether the sqlite database lives in process memory.
func (c *Config) IsMemory() bool {
	return c.Driver == DriverSQLite && (c.DSN == ":memory:" || strings.Contains(c.DSN, "mode=memory"))
}

// Open connects to the configured database and applies pool settings.
func Open(c *Config) (*sqlx.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Driver == DriverMemory {
		return nil, errors.New("memory driver has no sql connection")
	}

	dsn := c.DSN
	if c.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(c.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", c.Driver)
	}

	maxConns := c.MaxConnections
	if c.IsMemory() {
		// Every connection to ":memory:" is a separate database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s database", c.Driver)
	}

	if c.Driver == DriverSQLite {
		if err := applySQLiteOptimizations(db); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "apply sqlite pragmas")
		}
	}
	return db, nil
}

// sqliteDSN adds connection-level pragmas. go-sqlite3 applies DSN
// parameters to every pooled connection, unlike a one-off PRAGMA statement.
func sqliteDSN(dsn string) string {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if dsn == ":memory:" {
		return "file::memory:?" + params
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return "file:" + strings.TrimPrefix(dsn, "file:") + "?" + params
}

// SQLite optimization pragmas for classroom scale
// ARCHITECTURAL DISCOVERY: WAL mode enables concurrent reads while the store
// keeps a single writer goroutine
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;          -- Write-Ahead Logging for better concurrency
	PRAGMA synchronous = NORMAL;        -- Balance between safety and performance
	PRAGMA cache_size = -64000;         -- 64MB cache (negative = KB)
	PRAGMA temp_store = MEMORY;         -- Use memory for temporary tables
`

func applySQLiteOptimizations(db *sqlx.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
