package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept entirely in process memory. It is used in
// tests and when no database is configured.
type InMemoryStore struct {
	mu          sync.RWMutex
	bars        map[string]models.Bar
	categories  map[string]models.MenuCategory
	items       map[string]models.MenuItem
	orders      map[string]models.Order
	states      map[string]models.ConversationState
	dedup       map[string]*DedupRecord
	deadLetters []DeadLetter
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bars:       make(map[string]models.Bar),
		categories: make(map[string]models.MenuCategory),
		items:      make(map[string]models.MenuItem),
		orders:     make(map[string]models.Order),
		states:     make(map[string]models.ConversationState),
		dedup:      make(map[string]*DedupRecord),
	}
}

func page[T any](rows []T, p models.Page) []T {
	if p.Limit <= 0 {
		return rows
	}
	start := max(p.Offset, 0)
	if start >= len(rows) {
		return nil
	}
	end := min(start+p.Limit, len(rows))
	return rows[start:end]
}

func (s *InMemoryStore) activeBars() []models.Bar {
	out := make([]models.Bar, 0, len(s.bars))
	for _, b := range s.bars {
		if b.Active {
			out = append(out, b)
		}
	}
	sortBars(out)
	return out
}

func (s *InMemoryStore) ListAreas(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var areas []string
	for _, b := range s.bars {
		if b.Active && b.Area != "" && !seen[b.Area] {
			seen[b.Area] = true
			areas = append(areas, b.Area)
		}
	}
	sort.Strings(areas)
	return areas, nil
}

func (s *InMemoryStore) ListBars(ctx context.Context, q models.BarQuery, p models.Page) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text := strings.ToLower(strings.TrimSpace(q.Text))
	var out []models.Bar
	for _, b := range s.activeBars() {
		if text != "" && !strings.Contains(strings.ToLower(b.Name), text) &&
			!strings.Contains(strings.ToLower(b.LocationText), text) {
			continue
		}
		if q.Area != "" && !strings.EqualFold(b.Area, q.Area) {
			continue
		}
		out = append(out, b)
	}
	return page(out, p), nil
}

func (s *InMemoryStore) GetBar(ctx context.Context, id string) (*models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bars[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *InMemoryStore) NearbyBars(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nearest(s.activeBars(), lat, lon, radiusKm, limit), nil
}

func (s *InMemoryStore) ListCategories(ctx context.Context, barID string) ([]models.MenuCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MenuCategory
	for _, c := range s.categories {
		if c.BarID == barID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortKey != out[j].SortKey {
			return out[i].SortKey < out[j].SortKey
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListItems(ctx context.Context, barID, categoryID string, p models.Page) ([]models.MenuItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MenuItem
	for _, it := range s.items {
		if it.BarID != barID || !it.Available {
			continue
		}
		if categoryID != "" && it.CategoryID != categoryID {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortKey != out[j].SortKey {
			return out[i].SortKey < out[j].SortKey
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return page(out, p), nil
}

func (s *InMemoryStore) GetItem(ctx context.Context, id string) (*models.MenuItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (s *InMemoryStore) UpsertBar(ctx context.Context, b models.Bar) error {
	if b.ID == "" {
		return errors.New("bar id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[b.ID] = b
	return nil
}

func (s *InMemoryStore) UpsertCategory(ctx context.Context, c models.MenuCategory) error {
	if c.ID == "" {
		return errors.New("category id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[c.ID] = c
	return nil
}

func (s *InMemoryStore) UpsertItem(ctx context.Context, it models.MenuItem) error {
	if it.ID == "" {
		return errors.New("item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
	return nil
}

func (s *InMemoryStore) CreateOrder(ctx context.Context, o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return errors.New("order " + o.ID + " already exists")
	}
	s.orders[o.ID] = o
	return nil
}

func (s *InMemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *InMemoryStore) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	s.orders[id] = o
	return nil
}

// Orders returns every stored order; used by tests.
func (s *InMemoryStore) Orders() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) GetState(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[sessionID]
	if !ok {
		return nil, nil
	}
	st.Data = cloneSessionData(st.Data)
	return &st, nil
}

func (s *InMemoryStore) SaveState(ctx context.Context, st models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.states[st.SessionID]; ok {
		st.CreatedAt = prev.CreatedAt
	} else if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	st.Data = cloneSessionData(st.Data)
	s.states[st.SessionID] = st
	return nil
}

func (s *InMemoryStore) DeleteState(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionID)
	return nil
}

func (s *InMemoryStore) Seen(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RecordDeadLetter(ctx context.Context, d DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, d)
	return nil
}

func (s *InMemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0, len(s.deadLetters))
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		out = append(out, s.deadLetters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func cloneSessionData(d models.SessionData) models.SessionData {
	out := d
	out.SearchResults = append([]models.BarRef(nil), d.SearchResults...)
	out.MenuItems = append([]models.ItemRef(nil), d.MenuItems...)
	if d.Extra != nil {
		out.Extra = make(map[string]string, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
