package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBars(t *testing.T, s *store.InMemoryStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, s.UpsertBar(ctx, models.Bar{
			ID:           fmt.Sprintf("bar-%03d", i),
			Name:         fmt.Sprintf("Bar %03d", i),
			Area:         []string{"Kacyiru", "Remera"}[i%2],
			LocationText: "KG 7 Ave",
			MerchantCode: "123456",
			Currency:     "RWF",
			SortKey:      i,
			Active:       true,
		}))
	}
}

func seedMenu(t *testing.T, s *store.InMemoryStore, barID string, cats, itemsPerCat int) {
	t.Helper()
	ctx := context.Background()
	for c := 0; c < cats; c++ {
		catID := fmt.Sprintf("%s-cat-%d", barID, c)
		require.NoError(t, s.UpsertCategory(ctx, models.MenuCategory{ID: catID, BarID: barID, Name: fmt.Sprintf("Cat %d", c), SortKey: c}))
		for i := 0; i < itemsPerCat; i++ {
			require.NoError(t, s.UpsertItem(ctx, models.MenuItem{
				ID: fmt.Sprintf("%s-item-%d", catID, i), BarID: barID, CategoryID: catID,
				Name: fmt.Sprintf("Item %d.%d", c, i), PriceMinor: 1500, Currency: "RWF", SortKey: i, Available: true,
			}))
		}
	}
}

func dataExchange(actionID string, fields map[string]any) Request {
	if fields == nil {
		fields = map[string]any{}
	}
	return Request{ActionType: ActionDataExchange, ActionID: actionID, Fields: fields, Filters: map[string]any{}}
}

func mustValidate(t *testing.T, r Response) {
	t.Helper()
	require.NoError(t, ValidateResponse(r))
}

func TestRoute_ControlActions(t *testing.T) {
	r := NewRouter(store.NewInMemoryStore())
	ctx := context.Background()

	ping := r.Route(ctx, Request{ActionType: ActionPing})
	assert.Equal(t, HealthKind, ping.Kind())
	assert.Equal(t, "active", ping.Data["status"])
	mustValidate(t, ping)

	ack := r.Route(ctx, Request{ActionType: ActionErrorNotification, Fields: map[string]any{"error": "timeout"}})
	assert.Equal(t, AckKind, ack.Kind())
	assert.Equal(t, true, ack.Data["acknowledged"])
	mustValidate(t, ack)
}

func TestRoute_Init(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 3)
	r := NewRouter(s)

	resp := r.Route(context.Background(), Request{ActionType: ActionInit, Fields: map[string]any{"q": "  bar "}, Filters: map[string]any{}})
	require.Equal(t, ScreenFindBar, resp.Screen)
	areas := resp.Data["areas"].([]map[string]any)
	require.Len(t, areas, 3)
	assert.Equal(t, "all", areas[0]["id"])
	assert.Equal(t, "Kacyiru", areas[1]["id"])
	assert.Equal(t, "bar", resp.Data["q"])
	assert.Equal(t, "all", resp.Data["area"])
	mustValidate(t, resp)
}

// A result set of k*N+r rows has r rows and no next token on its last page,
// and asking past the end returns page 1.
func TestRoute_Pagination(t *testing.T) {
	const pageSize = 4
	for _, total := range []int{1, 3, 5, 9, 11, 13} {
		t.Run(fmt.Sprintf("total=%d", total), func(t *testing.T) {
			s := store.NewInMemoryStore()
			seedBars(t, s, total)
			r := NewRouter(s, WithPageSize(pageSize))
			ctx := context.Background()

			lastPage := (total + pageSize - 1) / pageSize
			remainder := total - (lastPage-1)*pageSize

			first := r.Route(ctx, dataExchange(ActionShowResults, nil))
			require.Equal(t, ScreenBarResults, first.Screen)
			assert.Equal(t, 1, first.Data["page"])
			assert.Nil(t, first.Data["page_token_prev"])
			mustValidate(t, first)

			seen := 0
			resp := first
			for page := 1; ; page++ {
				bars := resp.Data["bars"].([]map[string]any)
				seen += len(bars)
				if page == lastPage {
					assert.Len(t, bars, remainder)
					assert.Equal(t, false, resp.Data["has_next"])
					assert.Nil(t, resp.Data["page_token_next"])
					break
				}
				assert.Len(t, bars, pageSize)
				next, ok := resp.Data["page_token_next"].(string)
				require.True(t, ok, "page %d should have a next token", page)
				req := dataExchange(ActionPagedBars, nil)
				req.PageToken = next
				resp = r.Route(ctx, req)
				assert.Equal(t, page+1, resp.Data["page"])
				assert.Equal(t, PageToken(page), resp.Data["page_token_prev"])
			}
			assert.Equal(t, total, seen)

			beyond := dataExchange(ActionPagedBars, nil)
			beyond.PageToken = PageToken(lastPage + 1)
			resp = r.Route(ctx, beyond)
			assert.Equal(t, 1, resp.Data["page"])
			assert.Equal(t, first.Data["bars"], resp.Data["bars"])
		})
	}
}

func TestRoute_PagedBarsInvalidToken(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 15)
	r := NewRouter(s, WithPageSize(10))

	for _, token := range []string{"", "garbage", "PAGE_2", "p0"} {
		req := dataExchange(ActionPagedBars, nil)
		req.PageToken = token
		resp := r.Route(context.Background(), req)
		assert.Equal(t, 1, resp.Data["page"], "token %q", token)
		assert.Len(t, resp.Data["bars"], 10)
		assert.Equal(t, true, resp.Data["has_next"])
	}
}

func TestRoute_ShowResultsFilters(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 6)
	r := NewRouter(s)

	resp := r.Route(context.Background(), dataExchange(ActionShowResults, map[string]any{"area": "Remera"}))
	assert.Len(t, resp.Data["bars"], 3)
	assert.Equal(t, "Remera", resp.Data["area"])

	resp = r.Route(context.Background(), dataExchange(ActionShowResults, map[string]any{"q": "nothing like this"}))
	assert.Empty(t, resp.Data["bars"])
	assert.NotEmpty(t, resp.ErrorMessage())
	mustValidate(t, resp)
}

// fallbackCount reads dineflow_select_bar_fallback_total{action} from the
// default registry.
func fallbackCount(t *testing.T, action string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "dineflow_select_bar_fallback_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "action" && l.GetValue() == action {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRoute_BarFallbackCountsOnlyUnknownIDs(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 2)
	r := NewRouter(s)
	ctx := context.Background()
	selectBefore := fallbackCount(t, ActionSelectBar)
	menuBefore := fallbackCount(t, ActionOpenMenu)

	r.Route(ctx, dataExchange(ActionSelectBar, nil))
	r.Route(ctx, dataExchange(ActionOpenMenu, nil))
	r.Route(ctx, dataExchange(ActionSelectBar, map[string]any{"bar_id": "bar-001"}))
	assert.Equal(t, selectBefore, fallbackCount(t, ActionSelectBar), "missing or known ids are not fallbacks")
	assert.Equal(t, menuBefore, fallbackCount(t, ActionOpenMenu))

	resp := r.Route(ctx, dataExchange(ActionOpenMenu, map[string]any{"bar_id": "gone"}))
	assert.Equal(t, "bar-000", resp.Data["bar_id"])
	assert.Equal(t, menuBefore+1, fallbackCount(t, ActionOpenMenu))
	assert.Equal(t, selectBefore, fallbackCount(t, ActionSelectBar), "counted under the requesting action")
}

func TestRoute_SelectBar(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 3)
	r := NewRouter(s)
	ctx := context.Background()

	resp := r.Route(ctx, dataExchange(ActionSelectBar, map[string]any{"bar_id": "bar-002"}))
	require.Equal(t, ScreenBarDetail, resp.Screen)
	assert.Equal(t, "bar-002", resp.Data["bar_id"])
	assert.Equal(t, true, resp.Data["momo_supported"])
	assert.Equal(t, []string{}, resp.Data["highlights"])
	mustValidate(t, resp)

	unknown := r.Route(ctx, dataExchange(ActionSelectBar, map[string]any{"bar_id": "gone"}))
	assert.Equal(t, "bar-000", unknown.Data["bar_id"], "unknown id falls back to the first bar")

	empty := NewRouter(store.NewInMemoryStore()).Route(ctx, dataExchange(ActionSelectBar, nil))
	assert.Equal(t, ScreenFindBar, empty.Screen)
	assert.NotEmpty(t, empty.ErrorMessage())
}

func TestRoute_OpenMenu(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 1)
	seedMenu(t, s, "bar-000", 2, 5)
	r := NewRouter(s)

	resp := r.Route(context.Background(), dataExchange(ActionOpenMenu, map[string]any{"bar_id": "bar-000"}))
	require.Equal(t, ScreenBarDetail, resp.Screen)
	preview := resp.Data["menu_preview"].([]map[string]any)
	require.Len(t, preview, 2)
	items := preview[0]["items"].([]map[string]any)
	assert.Len(t, items, menuPreviewItems)
	assert.Equal(t, "1,500 RWF", items[0]["price"])
	mustValidate(t, resp)
}

func TestRoute_MenuItemsPaging(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 1)
	seedMenu(t, s, "bar-000", 1, 7)
	r := NewRouter(s, WithPageSize(5))
	ctx := context.Background()

	resp := r.Route(ctx, dataExchange(ActionOpenItems, map[string]any{"bar_id": "bar-000"}))
	require.Equal(t, ScreenMenuItems, resp.Screen)
	assert.Len(t, resp.Data["items"], 5)
	assert.Equal(t, "p2", resp.Data["page_token_next"])

	req := dataExchange(ActionPagedItems, map[string]any{"bar_id": "bar-000"})
	req.PageToken = "p2"
	resp = r.Route(ctx, req)
	assert.Len(t, resp.Data["items"], 2)
	assert.Nil(t, resp.Data["page_token_next"])
	mustValidate(t, resp)
}

type fakePlacer struct {
	calls int
	err   error
}

func (f *fakePlacer) PlaceOrder(ctx context.Context, customer string, bar models.Bar, item models.MenuItem, surface string) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	return &models.Order{
		ID: fmt.Sprintf("ord-%d", f.calls), Code: "ABC123", BarID: bar.ID, BarName: bar.Name, Customer: customer,
		ItemID: item.ID, ItemName: item.Name, Quantity: 1, TotalMinor: item.PriceMinor, Currency: item.Currency,
		Status: models.OrderStatusPending, Surface: surface,
		PaymentInstructions: models.PaymentInstructions{Method: models.PaymentMethodMomoUSSD, USSD: "*182*8*1*123456*1500#"},
	}, nil
}

func TestRoute_OrderItem(t *testing.T) {
	s := store.NewInMemoryStore()
	seedBars(t, s, 1)
	seedMenu(t, s, "bar-000", 1, 2)
	placer := &fakePlacer{}
	r := NewRouter(s, WithOrderPlacer(placer))
	ctx := context.Background()
	fields := map[string]any{"item_id": "bar-000-cat-0-item-1", "wa_id": "250788000001"}

	first := r.Route(ctx, dataExchange(ActionOrderItem, fields))
	second := r.Route(ctx, dataExchange(ActionOrderItem, fields))
	require.Equal(t, ScreenOrderConfirmation, first.Screen)
	assert.Equal(t, "*182*8*1*123456*1500#", first.Data["ussd"])
	assert.NotEqual(t, first.Data["order_id"], second.Data["order_id"])
	assert.Equal(t, 2, placer.calls)
	mustValidate(t, first)

	noWaID := r.Route(ctx, dataExchange(ActionOrderItem, map[string]any{"item_id": "bar-000-cat-0-item-1"}))
	assert.Equal(t, ScreenItemDetail, noWaID.Screen)
	assert.NotEmpty(t, noWaID.ErrorMessage())

	disabled := NewRouter(s).Route(ctx, dataExchange(ActionOrderItem, fields))
	assert.Equal(t, ScreenItemDetail, disabled.Screen)
	assert.NotEmpty(t, disabled.ErrorMessage())

	failing := NewRouter(s, WithOrderPlacer(&fakePlacer{err: errors.New("db down")}))
	req := dataExchange(ActionOrderItem, fields)
	req.ScreenID = ScreenItemDetail
	resp := failing.Route(ctx, req)
	assert.Equal(t, ScreenItemDetail, resp.Screen)
	assert.Equal(t, genericErrorMessage, resp.ErrorMessage())
}

func TestRoute_Unsupported(t *testing.T) {
	r := NewRouter(store.NewInMemoryStore())
	ctx := context.Background()

	req := dataExchange("a_teleport", nil)
	req.ScreenID = ScreenBarDetail
	resp := r.Route(ctx, req)
	assert.Equal(t, ScreenBarDetail, resp.Screen)
	assert.Equal(t, "Unsupported action a_teleport", resp.ErrorMessage())
	mustValidate(t, resp)

	resp = r.Route(ctx, Request{ActionType: "DATA_EXCHANGE"})
	assert.Equal(t, ScreenFindBar, resp.Screen)
	assert.Equal(t, "Unsupported action DATA_EXCHANGE", resp.ErrorMessage())
}

type failingCatalog struct {
	*store.InMemoryStore
}

func (failingCatalog) ListBars(ctx context.Context, q models.BarQuery, p models.Page) ([]models.Bar, error) {
	return nil, errors.New("connection reset")
}

func TestRoute_CatalogErrorRendersScreen(t *testing.T) {
	r := NewRouter(failingCatalog{store.NewInMemoryStore()})
	req := dataExchange(ActionShowResults, nil)
	req.ScreenID = ScreenFindBar
	resp := r.Route(context.Background(), req)
	assert.Equal(t, ScreenFindBar, resp.Screen)
	assert.Equal(t, genericErrorMessage, resp.ErrorMessage())
}

func TestValidateResponse_Rejects(t *testing.T) {
	assert.Error(t, ValidateResponse(Response{Data: map[string]any{"bars": []any{}}}), "screen is required")
	assert.Error(t, ValidateResponse(Screen("bad screen!", nil)))
	assert.Error(t, ValidateResponse(Screen(ScreenBarResults, map[string]any{"bars": []map[string]any{{"title": "no id"}}})))
	assert.Error(t, ValidateResponse(Response{Data: map[string]any{"status": "sleeping"}}))
	assert.NoError(t, ValidateResponse(Screen(ScreenFindBar, nil)))
}
