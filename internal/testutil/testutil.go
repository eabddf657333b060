// Package testutil provides shared fixtures for DineFlow tests: a seeded
// catalog, a fast dispatcher and small HTTP/JSON helpers.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/DineFlow/internal/dispatch"
	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
)

// Fixture identifiers used by SeedCatalog.
const (
	BarID        = "bar-heights"
	BarName      = "Heights Lounge"
	BarContact   = "250788000100"
	MerchantCode = "123456"
	ItemID       = "primus"
	ItemPrice    = 1500
	Customer     = "250788123456"
)

// SeedCatalog returns an in-memory store holding one active bar with a
// merchant code, a staff contact and one available item.
func SeedCatalog(t *testing.T) *store.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	if err := s.UpsertBar(ctx, models.Bar{
		ID: BarID, Name: BarName, Area: "Kacyiru", MerchantCode: MerchantCode, Currency: "RWF",
		Contacts: []string{BarContact}, Active: true,
	}); err != nil {
		t.Fatalf("failed to seed bar: %v", err)
	}
	if err := s.UpsertItem(ctx, models.MenuItem{
		ID: ItemID, BarID: BarID, Name: "Primus", PriceMinor: ItemPrice, Currency: "RWF", Available: true,
	}); err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return s
}

// StartDispatcher starts a dispatcher without rate limiting and with
// millisecond backoff. It is closed when the test ends.
func StartDispatcher(t *testing.T, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	base := []dispatch.Option{dispatch.WithRateLimit(0, 0), dispatch.WithBackoff(time.Millisecond, 2*time.Millisecond)}
	d := dispatch.New(append(base, opts...)...)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Logf("dispatcher close: %v", err)
		}
	})
	return d
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse body and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody []byte
	if body != nil {
		reqBody = MustMarshalJSON(t, body)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(reqBody))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
