package store

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
)

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// storeContract runs the behaviour every Store backend must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		bar := models.Bar{
			ID:      fmt.Sprintf("bar-%02d", i),
			Name:    fmt.Sprintf("Bar %02d", i),
			Area:    []string{"Kacyiru", "Remera"}[i%2],
			SortKey: i / 3,
			Active:  i != 6,
		}
		if err := s.UpsertBar(ctx, bar); err != nil {
			t.Fatalf("UpsertBar failed: %v", err)
		}
	}

	t.Run("listing order and pagination", func(t *testing.T) {
		all, err := s.ListBars(ctx, models.BarQuery{}, models.Page{})
		if err != nil {
			t.Fatalf("ListBars failed: %v", err)
		}
		if len(all) != 6 {
			t.Fatalf("expected 6 active bars, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			if prev.SortKey > cur.SortKey || (prev.SortKey == cur.SortKey && prev.Name > cur.Name) {
				t.Errorf("bars out of order at %d: %s then %s", i, prev.ID, cur.ID)
			}
		}
		pageTwo, err := s.ListBars(ctx, models.BarQuery{}, models.Page{Offset: 4, Limit: 4})
		if err != nil {
			t.Fatalf("ListBars page failed: %v", err)
		}
		if len(pageTwo) != 2 || pageTwo[0].ID != all[4].ID {
			t.Errorf("unexpected second page: %+v", pageTwo)
		}
	})

	t.Run("filters", func(t *testing.T) {
		remera, err := s.ListBars(ctx, models.BarQuery{Area: "remera"}, models.Page{})
		if err != nil {
			t.Fatalf("ListBars area failed: %v", err)
		}
		if len(remera) != 3 {
			t.Errorf("expected 3 active Remera bars, got %d", len(remera))
		}
		byName, err := s.ListBars(ctx, models.BarQuery{Text: "bar 03"}, models.Page{})
		if err != nil {
			t.Fatalf("ListBars text failed: %v", err)
		}
		if len(byName) != 1 || byName[0].ID != "bar-03" {
			t.Errorf("expected bar-03, got %+v", byName)
		}
		none, err := s.ListBars(ctx, models.BarQuery{Text: "100%"}, models.Page{})
		if err != nil {
			t.Fatalf("ListBars wildcard failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("wildcards in text must be literal, got %d rows", len(none))
		}
		areas, err := s.ListAreas(ctx)
		if err != nil {
			t.Fatalf("ListAreas failed: %v", err)
		}
		if len(areas) != 2 || areas[0] != "Kacyiru" || areas[1] != "Remera" {
			t.Errorf("unexpected areas %v", areas)
		}
	})

	t.Run("missing rows", func(t *testing.T) {
		bar, err := s.GetBar(ctx, "nope")
		if err != nil || bar != nil {
			t.Errorf("GetBar(nope) = %v, %v; want nil, nil", bar, err)
		}
		order, err := s.GetOrder(ctx, "nope")
		if err != nil || order != nil {
			t.Errorf("GetOrder(nope) = %v, %v; want nil, nil", order, err)
		}
		if err := s.UpdateOrderStatus(ctx, "nope", models.OrderStatusPaid); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateOrderStatus(nope) = %v, want ErrNotFound", err)
		}
	})

	t.Run("orders", func(t *testing.T) {
		now := time.Now().Truncate(time.Second)
		o := models.Order{
			ID: "ord-1", Code: "AB12CD", BarID: "bar-00", BarName: "Bar 00", Customer: "250788000001",
			ItemID: "item-1", ItemName: "Primus", Quantity: 1, TotalMinor: 1500, Currency: "RWF",
			Status: models.OrderStatusPending, Surface: "chat",
			PaymentInstructions: models.PaymentInstructions{Method: models.PaymentMethodMomoUSSD, USSD: "*182*8*1*123456*1500#", Amount: 1500, Currency: "RWF"},
			CreatedAt:           now, UpdatedAt: now,
		}
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatalf("CreateOrder failed: %v", err)
		}
		if err := s.CreateOrder(ctx, o); err == nil {
			t.Error("expected duplicate order id to fail")
		}
		if err := s.UpdateOrderStatus(ctx, "ord-1", models.OrderStatusPaid); err != nil {
			t.Fatalf("UpdateOrderStatus failed: %v", err)
		}
		got, err := s.GetOrder(ctx, "ord-1")
		if err != nil || got == nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if got.Status != models.OrderStatusPaid || got.PaymentInstructions.USSD != "*182*8*1*123456*1500#" {
			t.Errorf("unexpected order %+v", got)
		}
	})

	t.Run("conversation state", func(t *testing.T) {
		st, err := s.GetState(ctx, "250788000001")
		if err != nil || st != nil {
			t.Fatalf("expected no state, got %v, %v", st, err)
		}
		save := models.ConversationState{
			SessionID: "250788000001",
			Key:       models.StateAwaitingBarSelection,
			Data: models.SessionData{
				SearchResults: []models.BarRef{{ID: "bar-01", Name: "Bar 01"}},
				Extra:         map[string]string{"lang": "rw"},
			},
		}
		if err := s.SaveState(ctx, save); err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}
		save.Key = models.StateDineReady
		save.Data = models.SessionData{BarID: "bar-01", BarName: "Bar 01", Extra: map[string]string{"lang": "rw"}}
		if err := s.SaveState(ctx, save); err != nil {
			t.Fatalf("SaveState overwrite failed: %v", err)
		}
		st, err = s.GetState(ctx, "250788000001")
		if err != nil || st == nil {
			t.Fatalf("GetState failed: %v", err)
		}
		if st.Key != models.StateDineReady || st.Data.BarID != "bar-01" || st.Data.Extra["lang"] != "rw" {
			t.Errorf("unexpected state %+v", st)
		}
		if len(st.Data.SearchResults) != 0 {
			t.Errorf("overwrite must replace search results, got %+v", st.Data.SearchResults)
		}
		if err := s.DeleteState(ctx, "250788000001"); err != nil {
			t.Fatalf("DeleteState failed: %v", err)
		}
		st, _ = s.GetState(ctx, "250788000001")
		if st != nil {
			t.Errorf("expected state to be deleted, got %+v", st)
		}
	})

	t.Run("dedup", func(t *testing.T) {
		first, err := s.RecordInbound(ctx, "wamid.1", "250788000001")
		if err != nil || !first {
			t.Fatalf("RecordInbound first = %v, %v", first, err)
		}
		again, err := s.RecordInbound(ctx, "wamid.1", "250788000001")
		if err != nil || again {
			t.Fatalf("RecordInbound again = %v, %v", again, err)
		}
		seen, err := s.Seen(ctx, "wamid.1")
		if err != nil || !seen {
			t.Errorf("Seen = %v, %v", seen, err)
		}
		if err := s.MarkProcessed(ctx, "wamid.1"); err != nil {
			t.Errorf("MarkProcessed failed: %v", err)
		}
		if _, err := s.PruneInbound(ctx, time.Now().Add(-time.Hour)); err != nil {
			t.Errorf("PruneInbound(past) failed: %v", err)
		}
		if seen, _ := s.Seen(ctx, "wamid.1"); !seen {
			t.Error("recent id pruned")
		}
		if n, err := s.PruneInbound(ctx, time.Now().Add(time.Hour)); err != nil || n < 1 {
			t.Errorf("PruneInbound(future) = %d, %v; want at least 1", n, err)
		}
		if seen, _ := s.Seen(ctx, "wamid.1"); seen {
			t.Error("pruned id still seen")
		}
	})

	t.Run("dead letters", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			d := DeadLetter{Recipient: "250788000100", MessageType: "vendor_alert", CorrelationID: fmt.Sprintf("ord-%d", i),
				Attempts: 3, LastError: "503", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
			if err := s.RecordDeadLetter(ctx, d); err != nil {
				t.Fatalf("RecordDeadLetter failed: %v", err)
			}
		}
		got, err := s.ListDeadLetters(ctx, 2)
		if err != nil {
			t.Fatalf("ListDeadLetters failed: %v", err)
		}
		if len(got) != 2 || got[0].CorrelationID != "ord-2" {
			t.Errorf("expected newest first, got %+v", got)
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, NewInMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	// Requires a disposable PostgreSQL database in DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	for _, table := range []string{"menu_items", "menu_categories", "bars", "orders", "conversation_states", "inbound_dedup", "dead_letters"} {
		pgStore.db.Exec("DELETE FROM " + table)
	}
	storeContract(t, pgStore)
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":       "postgres",
		"postgresql://localhost/db":         "postgres",
		"host=localhost user=dineflow":      "postgres",
		"user=dineflow dbname=dineflow":     "postgres",
		"/var/lib/dineflow/dineflow.db":     "sqlite3",
		"file:test.db?_foreign_keys=on":     "sqlite3",
		"  POSTGRES://UPPER@localhost/db  ": "postgres",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestWithStateStore(t *testing.T) {
	ctx := context.Background()
	base := NewInMemoryStore()
	state := NewInMemoryStore()
	s := WithStateStore(base, state)

	st := models.ConversationState{SessionID: "s1", Key: models.StateAwaitingName}
	if err := s.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if got, _ := state.GetState(ctx, "s1"); got == nil {
		t.Error("state should be written to the state store")
	}
	if got, _ := base.GetState(ctx, "s1"); got != nil {
		t.Error("state must not be written to the base store")
	}
	if WithStateStore(base, nil) != Store(base) {
		t.Error("nil state store should return the base store")
	}
}

func TestDistanceKm(t *testing.T) {
	// Kigali Heights to Nyamirambo is roughly 6.6 km.
	d := DistanceKm(-1.9536, 30.0927, -1.9780, 30.0440)
	if d < 5.5 || d > 7 {
		t.Errorf("unexpected distance %.2f km", d)
	}
	if DistanceKm(1, 1, 1, 1) != 0 {
		t.Error("distance to self must be zero")
	}
}
