package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/DineFlow/internal/metrics"
	"github.com/BTreeMap/DineFlow/internal/models"
)

// Action ids shared with the flow JSON.
const (
	ActionShowResults = "a_show_results"
	ActionPagedBars   = "a_paged_bars"
	ActionSelectBar   = "a_select_bar"
	ActionOpenMenu    = "a_open_menu"
	ActionOpenItems   = "a_open_items"
	ActionPagedItems  = "a_paged_items"
	ActionOpenItem    = "a_open_item"
	ActionOrderItem   = "a_order_item"
)

// Screen ids shared with the flow JSON.
const (
	ScreenFindBar           = "s_find_bar"
	ScreenBarResults        = "s_bar_results"
	ScreenBarDetail         = "s_bar_detail"
	ScreenMenuItems         = "s_menu_items"
	ScreenItemDetail        = "s_item_detail"
	ScreenOrderConfirmation = "s_order_confirmation"
)

const (
	DefaultPageSize     = 10
	menuPreviewItems    = 3
	allAreas            = "all"
	genericErrorMessage = "Something went wrong, please try again."
)

// ErrUnsupportedAction is returned by handlers for action ids the router
// does not know. Route renders it as a screen.
var ErrUnsupportedAction = errors.New("unsupported action")

// Catalog is the read side of the store used by the router.
type Catalog interface {
	ListAreas(ctx context.Context) ([]string, error)
	ListBars(ctx context.Context, q models.BarQuery, p models.Page) ([]models.Bar, error)
	GetBar(ctx context.Context, id string) (*models.Bar, error)
	ListCategories(ctx context.Context, barID string) ([]models.MenuCategory, error)
	ListItems(ctx context.Context, barID, categoryID string, p models.Page) ([]models.MenuItem, error)
	GetItem(ctx context.Context, id string) (*models.MenuItem, error)
}

// OrderPlacer creates an instant order for one item.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, customer string, bar models.Bar, item models.MenuItem, surface string) (*models.Order, error)
}

// Router dispatches normalized requests to screen builders.
type Router struct {
	catalog  Catalog
	placer   OrderPlacer
	pageSize int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPageSize sets the number of rows per list page.
func WithPageSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithOrderPlacer enables a_order_item.
func WithOrderPlacer(p OrderPlacer) RouterOption {
	return func(r *Router) { r.placer = p }
}

// NewRouter creates a Router over catalog.
func NewRouter(catalog Catalog, opts ...RouterOption) *Router {
	r := &Router{catalog: catalog, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type handlerFunc func(ctx context.Context, req Request) (Response, error)

func (r *Router) handler(actionID string) handlerFunc {
	switch actionID {
	case ActionShowResults:
		return r.showResults
	case ActionPagedBars:
		return r.pagedBars
	case ActionSelectBar:
		return r.selectBar
	case ActionOpenMenu:
		return r.openMenu
	case ActionOpenItems, ActionPagedItems:
		return r.menuItems
	case ActionOpenItem:
		return r.itemDetail
	case ActionOrderItem:
		return r.orderItem
	}
	return nil
}

// Route returns the response for req. It never fails: unknown actions and
// catalog errors are rendered as screens carrying an error_message.
func (r *Router) Route(ctx context.Context, req Request) Response {
	switch req.ActionType {
	case ActionPing:
		return Health()
	case ActionErrorNotification:
		slog.Warn("Router.Route: client reported flow error", "screen", req.ScreenID, "error", req.Field("error"), "error_message", req.Field("error_message"))
		return Ack()
	}
	if req.ActionID == "" && (req.ActionType == ActionInit || req.ActionType == ActionBack) {
		resp, err := r.findBar(ctx, req)
		if err != nil {
			return r.errorScreen(req, err)
		}
		return resp
	}

	h := r.handler(req.ActionID)
	if h == nil {
		return r.errorScreen(req, fmt.Errorf("%w %s", ErrUnsupportedAction, unsupportedLabel(req)))
	}
	resp, err := h(ctx, req)
	if err != nil {
		return r.errorScreen(req, err)
	}
	slog.Debug("Router.Route: handled", "action", req.ActionID, "screen", resp.Screen)
	return resp
}

func unsupportedLabel(req Request) string {
	switch {
	case req.ActionID != "":
		return req.ActionID
	case req.ActionType != "":
		return req.ActionType
	}
	return "unknown"
}

func (r *Router) errorScreen(req Request, err error) Response {
	screen := req.ScreenID
	if screen == "" {
		screen = ScreenFindBar
	}
	if errors.Is(err, ErrUnsupportedAction) {
		label := unsupportedLabel(req)
		slog.Warn("Router.Route: unsupported action", "action", label, "actionType", req.ActionType, "screen", screen)
		return Screen(screen, map[string]any{"error_message": "Unsupported action " + label})
	}
	slog.Error("Router.Route: handler failed", "error", err, "action", req.ActionID, "screen", screen)
	return Screen(screen, map[string]any{"error_message": genericErrorMessage})
}

// searchParams returns the query text and area, from fields then filters.
func searchParams(req Request) (q, area string) {
	q = strings.TrimSpace(req.Field("q"))
	area = strings.TrimSpace(req.Field("area"))
	if area == "" {
		area = allAreas
	}
	return q, area
}

func (r *Router) findBar(ctx context.Context, req Request) (Response, error) {
	areas, err := r.catalog.ListAreas(ctx)
	if err != nil {
		return Response{}, err
	}
	rows := make([]map[string]any, 0, len(areas)+1)
	rows = append(rows, map[string]any{"id": allAreas, "title": "All areas"})
	for _, a := range areas {
		rows = append(rows, map[string]any{"id": a, "title": a})
	}
	q, area := searchParams(req)
	return Screen(ScreenFindBar, map[string]any{"areas": rows, "q": q, "area": area}), nil
}

func (r *Router) showResults(ctx context.Context, req Request) (Response, error) {
	return r.barResults(ctx, req, 1)
}

func (r *Router) pagedBars(ctx context.Context, req Request) (Response, error) {
	return r.barResults(ctx, req, ParsePageToken(req.PageToken))
}

// pageRows fetches one page with the N+1 trick. A page past the end
// falls back to page 1.
func pageRows[T any](page, size int, fetch func(models.Page) ([]T, error)) ([]T, int, bool, error) {
	rows, err := fetch(models.Page{Offset: (page - 1) * size, Limit: size + 1})
	if err != nil {
		return nil, page, false, err
	}
	if len(rows) == 0 && page > 1 {
		page = 1
		if rows, err = fetch(models.Page{Offset: 0, Limit: size + 1}); err != nil {
			return nil, page, false, err
		}
	}
	hasNext := len(rows) > size
	if hasNext {
		rows = rows[:size]
	}
	return rows, page, hasNext, nil
}

func pageTokens(data map[string]any, page int, hasNext bool) {
	data["page"] = page
	data["has_next"] = hasNext
	data["page_token_next"] = nil
	data["page_token_prev"] = nil
	if hasNext {
		data["page_token_next"] = PageToken(page + 1)
	}
	if page > 1 {
		data["page_token_prev"] = PageToken(page - 1)
	}
}

func (r *Router) barResults(ctx context.Context, req Request, page int) (Response, error) {
	q, area := searchParams(req)
	query := models.BarQuery{Text: q}
	if area != allAreas {
		query.Area = area
	}
	bars, page, hasNext, err := pageRows(page, r.pageSize, func(p models.Page) ([]models.Bar, error) {
		return r.catalog.ListBars(ctx, query, p)
	})
	if err != nil {
		return Response{}, err
	}
	rows := make([]map[string]any, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, map[string]any{"id": b.ID, "title": b.Name, "description": barDescription(b)})
	}
	data := map[string]any{"bars": rows, "q": q, "area": area}
	if len(rows) == 0 {
		data["error_message"] = "No bars match your search."
	}
	pageTokens(data, page, hasNext)
	return Screen(ScreenBarResults, data), nil
}

func barDescription(b models.Bar) string {
	switch {
	case b.LocationText != "" && b.Area != "":
		return b.LocationText + " · " + b.Area
	case b.LocationText != "":
		return b.LocationText
	}
	return b.Area
}

// resolveBar returns the requested bar, or the first listed bar when the id
// is missing or unknown. Only unknown ids are counted as fallbacks.
func (r *Router) resolveBar(ctx context.Context, req Request) (*models.Bar, error) {
	id := req.Field("bar_id")
	if id != "" {
		bar, err := r.catalog.GetBar(ctx, id)
		if err != nil {
			return nil, err
		}
		if bar != nil && bar.Active {
			return bar, nil
		}
	}
	first, err := r.catalog.ListBars(ctx, models.BarQuery{}, models.Page{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, nil
	}
	if id == "" {
		slog.Debug("Router.resolveBar: no bar id, using first bar", "action", req.ActionID, "barID", first[0].ID)
		return &first[0], nil
	}
	slog.Warn("Router.resolveBar: unknown bar id, falling back to first bar", "action", req.ActionID,
		"requestedBarID", id, "fallbackBarID", first[0].ID)
	metrics.RecordSelectBarFallback(req.ActionID)
	return &first[0], nil
}

func barDetailData(b models.Bar) map[string]any {
	highlights := b.Highlights
	if highlights == nil {
		highlights = []string{}
	}
	return map[string]any{
		"bar_id":         b.ID,
		"bar_name":       b.Name,
		"location_text":  barDescription(b),
		"momo_supported": b.MomoSupported(),
		"highlights":     highlights,
	}
}

func noBarsScreen() Response {
	return Screen(ScreenFindBar, map[string]any{"error_message": "No bars are available right now."})
}

func (r *Router) selectBar(ctx context.Context, req Request) (Response, error) {
	bar, err := r.resolveBar(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if bar == nil {
		return noBarsScreen(), nil
	}
	return Screen(ScreenBarDetail, barDetailData(*bar)), nil
}

func (r *Router) openMenu(ctx context.Context, req Request) (Response, error) {
	bar, err := r.resolveBar(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if bar == nil {
		return noBarsScreen(), nil
	}
	cats, err := r.catalog.ListCategories(ctx, bar.ID)
	if err != nil {
		return Response{}, err
	}
	preview := make([]map[string]any, 0, len(cats))
	for _, c := range cats {
		items, err := r.catalog.ListItems(ctx, bar.ID, c.ID, models.Page{Limit: menuPreviewItems})
		if err != nil {
			return Response{}, err
		}
		if len(items) == 0 {
			continue
		}
		rows := make([]map[string]any, 0, len(items))
		for _, it := range items {
			rows = append(rows, itemRow(it))
		}
		preview = append(preview, map[string]any{"id": c.ID, "title": c.Name, "items": rows})
	}
	data := barDetailData(*bar)
	data["menu_preview"] = preview
	if len(preview) == 0 {
		data["error_message"] = "This bar has not published a menu yet."
	}
	return Screen(ScreenBarDetail, data), nil
}

func itemRow(it models.MenuItem) map[string]any {
	return map[string]any{
		"id":          it.ID,
		"title":       it.Name,
		"description": it.Description,
		"price":       models.FormatMoney(it.PriceMinor, it.Currency),
		"currency":    it.Currency,
	}
}

func (r *Router) menuItems(ctx context.Context, req Request) (Response, error) {
	bar, err := r.resolveBar(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if bar == nil {
		return noBarsScreen(), nil
	}
	categoryID := req.Field("category_id")
	page := 1
	if req.ActionID == ActionPagedItems {
		page = ParsePageToken(req.PageToken)
	}
	items, page, hasNext, err := pageRows(page, r.pageSize, func(p models.Page) ([]models.MenuItem, error) {
		return r.catalog.ListItems(ctx, bar.ID, categoryID, p)
	})
	if err != nil {
		return Response{}, err
	}
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, itemRow(it))
	}
	data := map[string]any{
		"bar_id":      bar.ID,
		"bar_name":    bar.Name,
		"category_id": categoryID,
		"items":       rows,
	}
	pageTokens(data, page, hasNext)
	return Screen(ScreenMenuItems, data), nil
}

// lookupItem returns the requested available item and its bar.
func (r *Router) lookupItem(ctx context.Context, req Request) (*models.MenuItem, *models.Bar, error) {
	id := req.Field("item_id")
	if id == "" {
		return nil, nil, nil
	}
	item, err := r.catalog.GetItem(ctx, id)
	if err != nil || item == nil || !item.Available {
		return nil, nil, err
	}
	bar, err := r.catalog.GetBar(ctx, item.BarID)
	if err != nil || bar == nil || !bar.Active {
		return nil, nil, err
	}
	return item, bar, nil
}

func itemDetailData(it models.MenuItem, bar models.Bar) map[string]any {
	return map[string]any{
		"item_id":     it.ID,
		"bar_id":      bar.ID,
		"bar_name":    bar.Name,
		"title":       it.Name,
		"description": it.Description,
		"price":       models.FormatMoney(it.PriceMinor, it.Currency),
		"currency":    it.Currency,
	}
}

func (r *Router) itemDetail(ctx context.Context, req Request) (Response, error) {
	item, bar, err := r.lookupItem(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if item == nil {
		return r.menuItemsWithError(ctx, req, "That item is no longer available.")
	}
	return Screen(ScreenItemDetail, itemDetailData(*item, *bar)), nil
}

func (r *Router) menuItemsWithError(ctx context.Context, req Request, msg string) (Response, error) {
	resp, err := r.menuItems(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp.Data["error_message"] = msg
	return resp, nil
}

func (r *Router) orderItem(ctx context.Context, req Request) (Response, error) {
	item, bar, err := r.lookupItem(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if item == nil {
		return r.menuItemsWithError(ctx, req, "That item is no longer available.")
	}
	detail := itemDetailData(*item, *bar)
	if r.placer == nil {
		detail["error_message"] = "Ordering is not available right now."
		return Screen(ScreenItemDetail, detail), nil
	}
	customer := req.Field("wa_id")
	if customer == "" {
		detail["error_message"] = "We could not identify your WhatsApp number."
		return Screen(ScreenItemDetail, detail), nil
	}
	order, err := r.placer.PlaceOrder(ctx, customer, *bar, *item, "flow")
	if err != nil {
		return Response{}, err
	}
	pay := order.PaymentInstructions
	return Screen(ScreenOrderConfirmation, map[string]any{
		"order_id":       order.ID,
		"order_code":     order.Code,
		"bar_name":       order.BarName,
		"item_name":      order.ItemName,
		"total":          models.FormatMoney(order.TotalMinor, order.Currency),
		"payment_method": string(pay.Method),
		"ussd":           pay.USSD,
		"tel_link":       pay.TelLink,
		"instructions":   pay.Text,
	}), nil
}

// PageToken returns the token for a 1-based page.
func PageToken(page int) string {
	return "p" + strconv.Itoa(page)
}

// ParsePageToken returns the page a token names, or 1 for anything that is
// not a valid token.
func ParsePageToken(token string) int {
	rest, ok := strings.CutPrefix(strings.TrimSpace(token), "p")
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > 100000 {
		return 1
	}
	return n
}
