package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/DineFlow/internal/models"
)

var coordinatesPattern = regexp.MustCompile(`^\s*(-?\d{1,2}(?:\.\d+)?)\s*,\s*(-?\d{1,3}(?:\.\d+)?)\s*$`)

// parseCoordinates reads a location pin or a typed "lat, lon" pair.
func parseCoordinates(msg models.InboundMessage, text string) (lat, lon float64, ok bool) {
	if msg.HasLocation() {
		return *msg.Latitude, *msg.Longitude, true
	}
	m := coordinatesPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lon, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func (p *Pipeline) handleDiscoveryChoice(ctx context.Context, msg models.InboundMessage, text string, data models.SessionData) (outcome, error) {
	if msg.HasLocation() {
		return p.handleLocation(ctx, msg, text, data)
	}
	switch strings.ToLower(text) {
	case "1", "location", "share":
		return outcome{text: locationPromptMessage, key: models.StateAwaitingLocation, data: data}, nil
	case "2", "name", "type":
		return outcome{text: namePromptMessage, key: models.StateAwaitingName, data: data}, nil
	case "3", "qr", "scan":
		return outcome{text: qrMessage, key: models.StateAwaitingDiscoveryChoice, data: data}, nil
	}
	return outcome{text: discoveryInvalidMessage, key: models.StateAwaitingDiscoveryChoice, data: data}, nil
}

func (p *Pipeline) handleLocation(ctx context.Context, msg models.InboundMessage, text string, data models.SessionData) (outcome, error) {
	lat, lon, ok := parseCoordinates(msg, text)
	if !ok {
		if text == "" {
			return outcome{text: locationPromptMessage, key: models.StateAwaitingLocation, data: data}, nil
		}
		return p.handleNameSearch(ctx, text, data)
	}
	bars, err := p.catalog.NearbyBars(ctx, lat, lon, NearbyRadiusKm, SearchLimit)
	if err != nil {
		return outcome{}, dataErr("nearby bars", err)
	}
	slog.Debug("Pipeline.handleLocation: nearby bars", "sessionID", msg.From, "count", len(bars))
	if len(bars) == 0 {
		data.SearchResults = nil
		return outcome{text: noNearbyMessage, key: models.StateAwaitingName, data: data}, nil
	}
	data.SearchResults = barRefs(bars)
	return outcome{
		text: barListMessage("Places near you:", data.SearchResults),
		key:  models.StateAwaitingBarSelection,
		data: data,
	}, nil
}

func (p *Pipeline) handleNameSearch(ctx context.Context, text string, data models.SessionData) (outcome, error) {
	query := strings.TrimSpace(text)
	if len([]rune(query)) < MinQueryLength {
		return outcome{text: shortQueryMessage, key: models.StateAwaitingName, data: data}, nil
	}
	bars, err := p.catalog.ListBars(ctx, models.BarQuery{Text: query}, models.Page{Limit: SearchLimit})
	if err != nil {
		return outcome{}, dataErr("search bars", err)
	}
	switch len(bars) {
	case 0:
		data.SearchResults = nil
		return outcome{text: noMatchesMessage(query), key: models.StateAwaitingName, data: data}, nil
	case 1:
		return p.bindBar(ctx, bars[0].ID, data)
	}
	data.SearchResults = barRefs(bars)
	return outcome{
		text: barListMessage("We found these places:", data.SearchResults),
		key:  models.StateAwaitingBarSelection,
		data: data,
	}, nil
}

func (p *Pipeline) handleBarSelection(ctx context.Context, text string, data models.SessionData) (outcome, error) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 || n > len(data.SearchResults) {
		return outcome{
			text: selectionRangeMessage(len(data.SearchResults)),
			key:  models.StateAwaitingBarSelection,
			data: data,
		}, nil
	}
	return p.bindBar(ctx, data.SearchResults[n-1].ID, data)
}

// bindBar attaches a bar to the session and shows its menu.
func (p *Pipeline) bindBar(ctx context.Context, barID string, data models.SessionData) (outcome, error) {
	bar, err := p.catalog.GetBar(ctx, barID)
	if err != nil {
		return outcome{}, dataErr("get bar", err)
	}
	if bar == nil || !bar.Active {
		slog.Warn("Pipeline.bindBar: bar not found", "barID", barID)
		return outcome{
			text: barLoadFailedText,
			key:  models.StateAwaitingName,
			data: models.SessionData{Extra: data.Extra},
		}, nil
	}
	bound := models.SessionData{BarID: bar.ID, BarName: bar.Name, Extra: data.Extra}
	return p.showMenu(ctx, *bar, bound)
}

// showMenu lists up to MenuListLimit available items of the bound bar.
func (p *Pipeline) showMenu(ctx context.Context, bar models.Bar, data models.SessionData) (outcome, error) {
	items, err := p.catalog.ListItems(ctx, bar.ID, "", models.Page{Limit: MenuListLimit})
	if err != nil {
		return outcome{}, dataErr("list items", err)
	}
	data.MenuItems = itemRefs(items, bar.Currency)
	if len(data.MenuItems) == 0 {
		return outcome{text: emptyMenuMessage(bar), key: models.StateDineReady, data: data}, nil
	}
	return outcome{text: menuMessage(bar, data.MenuItems), key: models.StateDineItems, data: data}, nil
}

func barRefs(bars []models.Bar) []models.BarRef {
	refs := make([]models.BarRef, 0, len(bars))
	for _, b := range bars {
		refs = append(refs, models.BarRef{ID: b.ID, Name: b.Name})
	}
	return refs
}

func itemRefs(items []models.MenuItem, barCurrency string) []models.ItemRef {
	refs := make([]models.ItemRef, 0, len(items))
	for _, it := range items {
		if !it.Available {
			continue
		}
		currency := it.Currency
		if currency == "" {
			currency = barCurrency
		}
		refs = append(refs, models.ItemRef{ID: it.ID, Name: it.Name, PriceMinor: it.PriceMinor, Currency: currency})
	}
	return refs
}
