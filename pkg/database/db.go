package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver   string        `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DSN      string        `envconfig:"DATABASE_DSN" default:"file:identity.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`
	MaxConns int           `envconfig:"DATABASE_MAX_CONNS" default:"5"`
	Timeout  time.Duration `envconfig:"DATABASE_PING_TIMEOUT" default:"5s"`
}

// ConfigFromEnv reads DB config from environment variables
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("database config: %w", err)
	}
	return cfg, nil
}

// Connect opens the store named by cfg, verifies connectivity with a ping and
// wraps it with sqlx so repositories can rebind `?` placeholders per driver.
func Connect(cfg Config) (*sqlx.DB, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return sqlx.NewDb(db, cfg.Driver), nil
}

// Factory hands out short-lived connections. Every repository call acquires
// one, runs a single statement and releases it before returning.
type Factory interface {
	Conn(ctx context.Context) (*sqlx.Conn, error)
}

// PoolFactory is the Factory backed by the *sqlx.DB pool.
type PoolFactory struct {
	db *sqlx.DB
}

func NewPoolFactory(db *sqlx.DB) *PoolFactory { return &PoolFactory{db: db} }

func (f *PoolFactory) Conn(ctx context.Context) (*sqlx.Conn, error) {
	c, err := f.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return c, nil
}

// WithConn acquires a connection, runs fn and always releases it.
func WithConn(ctx context.Context, f Factory, fn func(c *sqlx.Conn) error) error {
	c, err := f.Conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
