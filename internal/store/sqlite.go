package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

// sqliteParams are appended to every DSN that does not set them.
var sqliteParams = []string{"_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL"}

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite file.
type SQLiteStore struct {
	sqlBackend
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at the configured path or file: URI,
// creating its directory when needed, and applies the embedded migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := buildOpts(opts)
	slog.Debug("SQLiteStore.NewSQLiteStore: opening", "dsn_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, errors.New("SQLiteStore: DSN not set")
	}

	path := sqlitePath(cfg.DSN)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("SQLiteStore.NewSQLiteStore: create directory failed", "error", err, "dir", dir)
			return nil, fmt.Errorf("SQLiteStore: create directory: %w", err)
		}
	}

	// a single writer; the pool would only queue on the file lock
	db, err := openMigrated("SQLiteStore", "sqlite3", sqliteDSN(cfg.DSN), sqliteMigrations, cfg.ConnectTimeout, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: open failed", "error", err, "path", path)
		return nil, err
	}
	return &SQLiteStore{sqlBackend{db: db, dialect: dialectSQLite, name: "SQLiteStore"}}, nil
}

// sqlitePath strips the file: scheme and query from dsn.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// sqliteDSN adds the connection parameters the store relies on.
func sqliteDSN(dsn string) string {
	var add []string
	for _, p := range sqliteParams {
		key := p[:strings.IndexByte(p, '=')+1]
		if !strings.Contains(dsn, key) {
			add = append(add, p)
		}
	}
	if len(add) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(add, "&")
}
