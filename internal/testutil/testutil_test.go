package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/DineFlow/internal/dispatch"
	"github.com/BTreeMap/DineFlow/internal/models"
)

func TestSeedCatalog(t *testing.T) {
	s := SeedCatalog(t)
	bar, err := s.GetBar(context.Background(), BarID)
	if err != nil || bar == nil {
		t.Fatalf("GetBar = %v, %v", bar, err)
	}
	if !bar.Active || !bar.MomoSupported() {
		t.Errorf("fixture bar should be active with mobile money: %+v", bar)
	}
	item, err := s.GetItem(context.Background(), ItemID)
	if err != nil || item == nil || item.PriceMinor != ItemPrice {
		t.Errorf("GetItem = %+v, %v", item, err)
	}
}

func TestStartDispatcher(t *testing.T) {
	d := StartDispatcher(t)
	tk, err := d.Enqueue(dispatch.TaskMeta{Recipient: Customer, MessageType: "test"}, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tk.Wait(context.Background()); err != nil {
		t.Errorf("task failed: %v", err)
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.Write(MustMarshalJSON(t, models.Success(map[string]string{"k": "v"})))
	resp := AssertJSONResponse(t, rr, models.APIStatusOK)
	if resp.Result == nil {
		t.Error("expected result to be decoded")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhook", map[string]string{"from": Customer})
	if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected request: %s %v", req.Method, req.Header)
	}
	var body map[string]string
	buf := make([]byte, 128)
	n, _ := req.Body.Read(buf)
	MustUnmarshalJSON(t, buf[:n], &body)
	if body["from"] != Customer {
		t.Errorf("body not encoded: %v", body)
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if empty.Header.Get("Content-Type") != "" {
		t.Error("no content type expected without body")
	}
	AssertHTTPStatus(t, http.StatusOK, http.StatusOK, "identity")
}
