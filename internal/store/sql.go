package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/google/uuid"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlBackend implements Store on database/sql. Queries are written with ?
// placeholders and rebound for PostgreSQL.
type sqlBackend struct {
	db      *sql.DB
	dialect dialect
	name    string // used as the log prefix
}

const barColumns = `id, name, area, location_text, latitude, longitude, merchant_code, currency, highlights, contacts, sort_key, active`

const itemColumns = `id, bar_id, category_id, name, description, price_minor, currency, sort_key, available`

const orderColumns = `id, code, bar_id, bar_name, customer, item_id, item_name, quantity, total_minor, currency, status, surface, payment, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (b *sqlBackend) rebind(q string) string {
	if b.dialect != dialectPostgres {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

func (b *sqlBackend) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.rebind(q), args...)
}

func (b *sqlBackend) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.rebind(q), args...)
}

func (b *sqlBackend) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.rebind(q), args...)
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	slog.Debug(b.name + ".Close: closing database connection")
	err := b.db.Close()
	if err != nil {
		slog.Error(b.name+".Close: failed to close database", "error", err)
	}
	return err
}

func appendPage(q string, args []any, p models.Page) (string, []any) {
	if p.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, p.Limit, max(p.Offset, 0))
	}
	return q, args
}

func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(text)) + "%"
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func scanBar(s rowScanner) (models.Bar, error) {
	var bar models.Bar
	var lat, lon sql.NullFloat64
	var highlights, contacts string
	err := s.Scan(&bar.ID, &bar.Name, &bar.Area, &bar.LocationText, &lat, &lon,
		&bar.MerchantCode, &bar.Currency, &highlights, &contacts, &bar.SortKey, &bar.Active)
	if err != nil {
		return bar, err
	}
	if lat.Valid {
		bar.Latitude = &lat.Float64
	}
	if lon.Valid {
		bar.Longitude = &lon.Float64
	}
	bar.Highlights = unmarshalStrings(highlights)
	bar.Contacts = unmarshalStrings(contacts)
	return bar, nil
}

func scanItem(s rowScanner) (models.MenuItem, error) {
	var it models.MenuItem
	err := s.Scan(&it.ID, &it.BarID, &it.CategoryID, &it.Name, &it.Description,
		&it.PriceMinor, &it.Currency, &it.SortKey, &it.Available)
	return it, err
}

func (b *sqlBackend) collectBars(rows *sql.Rows, op string) ([]models.Bar, error) {
	defer rows.Close()
	var bars []models.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			slog.Error(b.name+"."+op+": scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan bar row: %w", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bar rows: %w", err)
	}
	return bars, nil
}

// ListAreas returns the distinct non-empty areas of active bars.
func (b *sqlBackend) ListAreas(ctx context.Context) ([]string, error) {
	rows, err := b.query(ctx, `SELECT DISTINCT area FROM bars WHERE active = ? AND area <> '' ORDER BY area`, true)
	if err != nil {
		slog.Error(b.name+".ListAreas: query failed", "error", err)
		return nil, fmt.Errorf("failed to query areas: %w", err)
	}
	defer rows.Close()
	var areas []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan area: %w", err)
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// ListBars returns active bars matching q in listing order.
func (b *sqlBackend) ListBars(ctx context.Context, q models.BarQuery, p models.Page) ([]models.Bar, error) {
	query := `SELECT ` + barColumns + ` FROM bars WHERE active = ?`
	args := []any{true}
	if text := strings.TrimSpace(q.Text); text != "" {
		pat := likePattern(text)
		query += ` AND (LOWER(name) LIKE ? ESCAPE '\' OR LOWER(location_text) LIKE ? ESCAPE '\')`
		args = append(args, pat, pat)
	}
	if q.Area != "" {
		query += ` AND LOWER(area) = ?`
		args = append(args, strings.ToLower(q.Area))
	}
	query += ` ORDER BY sort_key, name, id`
	query, args = appendPage(query, args, p)

	rows, err := b.query(ctx, query, args...)
	if err != nil {
		slog.Error(b.name+".ListBars: query failed", "error", err, "text", q.Text, "area", q.Area)
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	bars, err := b.collectBars(rows, "ListBars")
	if err != nil {
		return nil, err
	}
	slog.Debug(b.name+".ListBars: succeeded", "count", len(bars), "offset", p.Offset, "limit", p.Limit)
	return bars, nil
}

// GetBar returns the bar with id, or nil if none exists.
func (b *sqlBackend) GetBar(ctx context.Context, id string) (*models.Bar, error) {
	bar, err := scanBar(b.queryRow(ctx, `SELECT `+barColumns+` FROM bars WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		slog.Debug(b.name+".GetBar: not found", "barID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(b.name+".GetBar: query failed", "error", err, "barID", id)
		return nil, fmt.Errorf("failed to get bar %s: %w", id, err)
	}
	return &bar, nil
}

// NearbyBars returns active bars within radiusKm, nearest first. The database
// filters a bounding box and the exact distance is checked here.
func (b *sqlBackend) NearbyBars(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.Bar, error) {
	box := boundingBox(lat, lon, radiusKm)
	rows, err := b.query(ctx, `SELECT `+barColumns+` FROM bars
		WHERE active = ? AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?`,
		true, box.minLat, box.maxLat, box.minLon, box.maxLon)
	if err != nil {
		slog.Error(b.name+".NearbyBars: query failed", "error", err)
		return nil, fmt.Errorf("failed to query nearby bars: %w", err)
	}
	bars, err := b.collectBars(rows, "NearbyBars")
	if err != nil {
		return nil, err
	}
	return nearest(bars, lat, lon, radiusKm, limit), nil
}

// ListCategories returns the categories of a bar in listing order.
func (b *sqlBackend) ListCategories(ctx context.Context, barID string) ([]models.MenuCategory, error) {
	rows, err := b.query(ctx, `SELECT id, bar_id, name, sort_key FROM menu_categories WHERE bar_id = ? ORDER BY sort_key, name, id`, barID)
	if err != nil {
		slog.Error(b.name+".ListCategories: query failed", "error", err, "barID", barID)
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()
	var cats []models.MenuCategory
	for rows.Next() {
		var c models.MenuCategory
		if err := rows.Scan(&c.ID, &c.BarID, &c.Name, &c.SortKey); err != nil {
			return nil, fmt.Errorf("failed to scan category row: %w", err)
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// ListItems returns available items of a bar, optionally limited to one category.
func (b *sqlBackend) ListItems(ctx context.Context, barID, categoryID string, p models.Page) ([]models.MenuItem, error) {
	query := `SELECT ` + itemColumns + ` FROM menu_items WHERE bar_id = ? AND available = ?`
	args := []any{barID, true}
	if categoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, categoryID)
	}
	query += ` ORDER BY sort_key, name, id`
	query, args = appendPage(query, args, p)

	rows, err := b.query(ctx, query, args...)
	if err != nil {
		slog.Error(b.name+".ListItems: query failed", "error", err, "barID", barID)
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()
	var items []models.MenuItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetItem returns the item with id, or nil if none exists.
func (b *sqlBackend) GetItem(ctx context.Context, id string) (*models.MenuItem, error) {
	it, err := scanItem(b.queryRow(ctx, `SELECT `+itemColumns+` FROM menu_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(b.name+".GetItem: query failed", "error", err, "itemID", id)
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return &it, nil
}

// UpsertBar creates or replaces a bar.
func (b *sqlBackend) UpsertBar(ctx context.Context, bar models.Bar) error {
	_, err := b.exec(ctx, `INSERT INTO bars (`+barColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, area = excluded.area,
			location_text = excluded.location_text, latitude = excluded.latitude, longitude = excluded.longitude,
			merchant_code = excluded.merchant_code, currency = excluded.currency, highlights = excluded.highlights,
			contacts = excluded.contacts, sort_key = excluded.sort_key, active = excluded.active`,
		bar.ID, bar.Name, bar.Area, bar.LocationText, nullFloat(bar.Latitude), nullFloat(bar.Longitude),
		bar.MerchantCode, bar.Currency, marshalStrings(bar.Highlights), marshalStrings(bar.Contacts), bar.SortKey, bar.Active)
	if err != nil {
		slog.Error(b.name+".UpsertBar: failed", "error", err, "barID", bar.ID)
		return fmt.Errorf("failed to upsert bar %s: %w", bar.ID, err)
	}
	return nil
}

// UpsertCategory creates or replaces a menu category.
func (b *sqlBackend) UpsertCategory(ctx context.Context, c models.MenuCategory) error {
	_, err := b.exec(ctx, `INSERT INTO menu_categories (id, bar_id, name, sort_key) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET bar_id = excluded.bar_id, name = excluded.name, sort_key = excluded.sort_key`,
		c.ID, c.BarID, c.Name, c.SortKey)
	if err != nil {
		return fmt.Errorf("failed to upsert category %s: %w", c.ID, err)
	}
	return nil
}

// UpsertItem creates or replaces a menu item.
func (b *sqlBackend) UpsertItem(ctx context.Context, it models.MenuItem) error {
	_, err := b.exec(ctx, `INSERT INTO menu_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET bar_id = excluded.bar_id, category_id = excluded.category_id,
			name = excluded.name, description = excluded.description, price_minor = excluded.price_minor,
			currency = excluded.currency, sort_key = excluded.sort_key, available = excluded.available`,
		it.ID, it.BarID, it.CategoryID, it.Name, it.Description, it.PriceMinor, it.Currency, it.SortKey, it.Available)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", it.ID, err)
	}
	return nil
}

// CreateOrder inserts a new order snapshot.
func (b *sqlBackend) CreateOrder(ctx context.Context, o models.Order) error {
	payment, err := json.Marshal(o.PaymentInstructions)
	if err != nil {
		return fmt.Errorf("failed to marshal payment instructions: %w", err)
	}
	_, err = b.exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Code, o.BarID, o.BarName, o.Customer, o.ItemID, o.ItemName, o.Quantity, o.TotalMinor,
		o.Currency, string(o.Status), o.Surface, string(payment), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		slog.Error(b.name+".CreateOrder: failed", "error", err, "orderID", o.ID)
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	slog.Debug(b.name+".CreateOrder: succeeded", "orderID", o.ID, "barID", o.BarID)
	return nil
}

// GetOrder returns the order with id, or nil if none exists.
func (b *sqlBackend) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	var status, payment string
	err := b.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id).Scan(
		&o.ID, &o.Code, &o.BarID, &o.BarName, &o.Customer, &o.ItemID, &o.ItemName, &o.Quantity,
		&o.TotalMinor, &o.Currency, &status, &o.Surface, &payment, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(b.name+".GetOrder: query failed", "error", err, "orderID", id)
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	o.Status = models.OrderStatus(status)
	if payment != "" {
		if err := json.Unmarshal([]byte(payment), &o.PaymentInstructions); err != nil {
			slog.Warn(b.name+".GetOrder: invalid payment instructions", "error", err, "orderID", id)
		}
	}
	return &o, nil
}

// UpdateOrderStatus sets the status of an existing order.
func (b *sqlBackend) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	res, err := b.exec(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now(), id)
	if err != nil {
		slog.Error(b.name+".UpdateOrderStatus: failed", "error", err, "orderID", id)
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order rows affected check failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetState returns the conversation state for a session, or nil if none exists.
func (b *sqlBackend) GetState(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	var st models.ConversationState
	var key, data string
	err := b.queryRow(ctx, `SELECT session_id, state_key, state_data, created_at, updated_at
		FROM conversation_states WHERE session_id = ?`, sessionID).Scan(
		&st.SessionID, &key, &data, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug(b.name+".GetState: not found", "sessionID", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error(b.name+".GetState: query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get state for %s: %w", sessionID, err)
	}
	st.Key = models.StateKey(key)
	if data != "" {
		if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
			// Undecodable payloads are treated as unknown state so the pipeline restarts discovery.
			slog.Warn(b.name+".GetState: state data unmarshal failed", "error", err, "sessionID", sessionID)
			st.Key = ""
			st.Data = models.SessionData{}
		}
	}
	return &st, nil
}

// SaveState creates or overwrites the conversation state for a session.
func (b *sqlBackend) SaveState(ctx context.Context, st models.ConversationState) error {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal state data: %w", err)
	}
	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	_, err = b.exec(ctx, `INSERT INTO conversation_states (session_id, state_key, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET state_key = excluded.state_key,
			state_data = excluded.state_data, updated_at = excluded.updated_at`,
		st.SessionID, string(st.Key), string(data), st.CreatedAt, now)
	if err != nil {
		slog.Error(b.name+".SaveState: failed", "error", err, "sessionID", st.SessionID)
		return fmt.Errorf("failed to save state for %s: %w", st.SessionID, err)
	}
	slog.Debug(b.name+".SaveState: succeeded", "sessionID", st.SessionID, "state", st.Key)
	return nil
}

// DeleteState removes the conversation state for a session.
func (b *sqlBackend) DeleteState(ctx context.Context, sessionID string) error {
	if _, err := b.exec(ctx, `DELETE FROM conversation_states WHERE session_id = ?`, sessionID); err != nil {
		slog.Error(b.name+".DeleteState: failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete state for %s: %w", sessionID, err)
	}
	return nil
}

// RecordDeadLetter persists a dropped notification.
func (b *sqlBackend) RecordDeadLetter(ctx context.Context, d DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := b.exec(ctx, `INSERT INTO dead_letters (id, recipient, message_type, correlation_id, attempts, last_error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Recipient, d.MessageType, d.CorrelationID, d.Attempts, d.LastError, d.Payload, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters first.
func (b *sqlBackend) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.query(ctx, `SELECT id, recipient, message_type, correlation_id, attempts, last_error, payload, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.Recipient, &d.MessageType, &d.CorrelationID, &d.Attempts, &d.LastError, &d.Payload, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// sortBars orders bars the way SQL listings do.
func sortBars(bars []models.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		if bars[i].SortKey != bars[j].SortKey {
			return bars[i].SortKey < bars[j].SortKey
		}
		if bars[i].Name != bars[j].Name {
			return bars[i].Name < bars[j].Name
		}
		return bars[i].ID < bars[j].ID
	})
}
