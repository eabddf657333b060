// Package store provides storage backends for DineFlow.
//
// It includes an in-memory store, SQLite and PostgreSQL stores sharing one SQL
// implementation, and a Redis-backed conversation state store that can be
// layered over any of them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
)

// ErrNotFound is returned by updates that target a missing row.
// Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// CatalogStore reads bars, categories and menu items. Listings are ordered by
// sort key, then name, then id, so offset pagination is deterministic.
type CatalogStore interface {
	ListAreas(ctx context.Context) ([]string, error)
	ListBars(ctx context.Context, q models.BarQuery, p models.Page) ([]models.Bar, error)
	GetBar(ctx context.Context, id string) (*models.Bar, error)
	NearbyBars(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.Bar, error)
	ListCategories(ctx context.Context, barID string) ([]models.MenuCategory, error)
	ListItems(ctx context.Context, barID, categoryID string, p models.Page) ([]models.MenuItem, error)
	GetItem(ctx context.Context, id string) (*models.MenuItem, error)
}

// CatalogWriter creates or replaces catalog rows.
type CatalogWriter interface {
	UpsertBar(ctx context.Context, b models.Bar) error
	UpsertCategory(ctx context.Context, c models.MenuCategory) error
	UpsertItem(ctx context.Context, i models.MenuItem) error
}

// OrderStore persists order snapshots.
type OrderStore interface {
	CreateOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error
}

// StateStore persists conversation state keyed by session id.
type StateStore interface {
	GetState(ctx context.Context, sessionID string) (*models.ConversationState, error)
	SaveState(ctx context.Context, st models.ConversationState) error
	DeleteState(ctx context.Context, sessionID string) error
}

// Store is the full storage surface used by the service.
type Store interface {
	CatalogStore
	CatalogWriter
	OrderStore
	StateStore
	DedupRepo
	DeadLetterRepo
	Close() error
}

// DefaultConnectTimeout bounds the startup ping and migrations.
const DefaultConnectTimeout = 15 * time.Second

// Opts holds configuration for the SQL store constructors.
type Opts struct {
	DSN            string
	ConnectTimeout time.Duration
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or file: URI.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithConnectTimeout bounds the startup ping and migrations.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ConnectTimeout = d }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{ConnectTimeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// openMigrated opens driver at dsn, pings it and applies migrations. The
// handle is closed on any failure.
func openMigrated(name, driver, dsn, migrations string, timeout time.Duration, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	tune(db)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: migrations: %w", name, err)
	}
	slog.Debug(name + ".open: migrations applied")
	return db, nil
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// layeredStore serves conversation state from a dedicated StateStore and
// everything else from the base Store.
type layeredStore struct {
	Store
	state StateStore
}

// WithStateStore returns a Store whose state operations go to state.
func WithStateStore(base Store, state StateStore) Store {
	if state == nil {
		return base
	}
	return &layeredStore{Store: base, state: state}
}

func (l *layeredStore) GetState(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	return l.state.GetState(ctx, sessionID)
}

func (l *layeredStore) SaveState(ctx context.Context, st models.ConversationState) error {
	return l.state.SaveState(ctx, st)
}

func (l *layeredStore) DeleteState(ctx context.Context, sessionID string) error {
	return l.state.DeleteState(ctx, sessionID)
}

func (l *layeredStore) Close() error {
	var errs []error
	if c, ok := l.state.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, l.Store.Close())
	return errors.Join(errs...)
}
