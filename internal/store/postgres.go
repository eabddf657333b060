package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool defaults for PostgreSQL.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL. Use it when several
// DineFlow instances share one catalog and order book.
type PostgresStore struct {
	sqlBackend
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, applies the embedded migrations and returns
// the store.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := buildOpts(opts)
	slog.Debug("PostgresStore.NewPostgresStore: connecting", "dsn_set", cfg.DSN != "", "connectTimeout", cfg.ConnectTimeout)
	if cfg.DSN == "" {
		return nil, errors.New("PostgresStore: DSN not set")
	}

	db, err := openMigrated("PostgresStore", "postgres", cfg.DSN, postgresMigrations, cfg.ConnectTimeout, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: open failed", "error", err)
		return nil, err
	}
	return newPostgresStoreWithDB(db), nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlBackend{db: db, dialect: dialectPostgres, name: "PostgresStore"}}
}
