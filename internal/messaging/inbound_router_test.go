package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DineFlow/internal/dispatch"
	"github.com/BTreeMap/DineFlow/internal/flow"
	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/BTreeMap/DineFlow/internal/testutil"
	"github.com/BTreeMap/DineFlow/internal/twiliowhatsapp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customer = testutil.Customer

func waitForSent(t *testing.T, svc *LogService, n int) []SentMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(svc.Sent()) >= n }, 5*time.Second, 5*time.Millisecond)
	return svc.Sent()
}

func TestNotifier_DeliversThroughDispatcher(t *testing.T) {
	svc := NewLogService()
	n := NewNotifier(svc, testutil.StartDispatcher(t))

	tk, err := n.Send(flow.Notification{Recipient: "+250 788 000 100", Kind: flow.NotifyVendorAlert, Body: "New order ABC234", CorrelationID: "ord-1"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tk.Wait(ctx))

	sent := svc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "250788000100", sent[0].To)
	assert.Equal(t, "New order ABC234", sent[0].Body)

	assert.Error(t, n.Notify(context.Background(), flow.Notification{Recipient: "12", Kind: flow.NotifyVendorAlert}))
}

func TestNotifier_RetriesFailedSend(t *testing.T) {
	svc := NewLogService()
	svc.FailWith(errors.New("twilio 503"))
	d := testutil.StartDispatcher(t, dispatch.WithRetries(1))

	tk, err := NewNotifier(svc, d).Send(flow.Notification{Recipient: customer, Kind: flow.NotifyCustomerReceipt, Body: "receipt"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, tk.Wait(ctx), dispatch.ErrDelivery)
	assert.Equal(t, 2, tk.Attempts())
	assert.Empty(t, svc.Sent())
}

func newRouter(t *testing.T) (*InboundRouter, *store.InMemoryStore, *LogService) {
	t.Helper()
	s := testutil.SeedCatalog(t)
	svc := NewLogService()
	notifier := NewNotifier(svc, testutil.StartDispatcher(t))
	pipeline := flow.NewPipeline(s, flow.WithOrderService(flow.NewOrderService(s, flow.WithNotifier(notifier))))
	return NewInboundRouter(pipeline, s, notifier), s, svc
}

func TestInboundRouter_RedeliveredMessageDoesNotReorder(t *testing.T) {
	r, s, _ := newRouter(t)
	ctx := context.Background()
	steps := []models.InboundMessage{
		{ID: "m1", From: customer, Body: "hi"},
		{ID: "m2", From: customer, Body: "2"},
		{ID: "m3", From: customer, Body: "heights"},
	}
	for _, m := range steps {
		_, err := r.Route(ctx, m, false)
		require.NoError(t, err)
	}

	order := models.InboundMessage{ID: "m4", From: customer, Body: "1"}
	res, err := r.Route(ctx, order, false)
	require.NoError(t, err)
	require.Equal(t, models.StateDineOrder, res.Reply.State)
	require.Len(t, s.Orders(), 1)

	res, err = r.Route(ctx, order, false)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, s.Orders(), 1, "redelivery must not place a second order")

	res, err = r.Route(ctx, models.InboundMessage{ID: "m5", From: customer, Body: "1"}, false)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Len(t, s.Orders(), 2, "a new selection is a new order")
}

func TestInboundRouter_StartDeliversReplies(t *testing.T) {
	r, _, svc := newRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, svc)

	require.True(t, svc.Receive(models.InboundMessage{ID: "w1", From: customer, Body: "hi"}))
	sent := waitForSent(t, svc, 1)
	assert.Equal(t, customer, sent[0].To)
	assert.Equal(t, flow.DiscoveryMenuMessage, sent[0].Body)

	cancel()
	r.Wait()
}

type failingHandler struct{}

func (failingHandler) Handle(ctx context.Context, msg models.InboundMessage) (flow.Reply, error) {
	return flow.Reply{Text: flow.SnagMessage}, errors.Join(flow.ErrDataAccess, errors.New("db down"))
}

func TestInboundRouter_SnagReplyStillDelivered(t *testing.T) {
	svc := NewLogService()
	dedup := store.NewInMemoryStore()
	r := NewInboundRouter(failingHandler{}, dedup, NewNotifier(svc, testutil.StartDispatcher(t)))

	res, err := r.Route(context.Background(), models.InboundMessage{ID: "x1", From: customer, Body: "1"}, true)
	assert.ErrorIs(t, err, flow.ErrDataAccess)
	assert.Equal(t, flow.SnagMessage, res.Reply.Text)
	sent := waitForSent(t, svc, 1)
	assert.Equal(t, flow.SnagMessage, sent[0].Body)
}

func TestTwilioWebhookHandler(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	defer svc.Stop()

	form := url.Values{
		"From":       {"whatsapp:+250788123456"},
		"Body":       {"heights"},
		"MessageSid": {"SM123"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Response></Response>")
	select {
	case m := <-svc.Responses():
		assert.Equal(t, customer, m.From)
		assert.Equal(t, "heights", m.Body)
		assert.Equal(t, "SM123", m.ID)
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}

	loc := url.Values{"From": {"whatsapp:+250788123456"}, "Latitude": {"-1.9536"}, "Longitude": {"30.0927"}}
	req = httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(loc.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	m := <-svc.Responses()
	assert.True(t, m.HasLocation())

	empty := url.Values{"From": {"whatsapp:+250788123456"}}
	req = httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(empty.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTwilioWebhookHandler_UnavailableWhenStopped(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	require.NoError(t, svc.Stop())

	form := url.Values{"From": {"whatsapp:+250788123456"}, "Body": {"1"}, "MessageSid": {"SM999"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "a dropped message must be redelivered")
	assert.NotContains(t, rec.Body.String(), "<Response>")
}

type rejectAll struct{}

func (rejectAll) ValidateSignature(string, map[string]string, string) bool { return false }

func TestTwilioWebhookHandler_SignatureRejected(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation(rejectAll{}, "https://dineflow.example/webhook/twilio"))
	defer svc.Stop()
	form := url.Values{"From": {"whatsapp:+250788123456"}, "Body": {"hi"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	require.NoError(t, svc.SendMessage(context.Background(), "whatsapp:+250788123456", "hi"))
	require.Len(t, mock.Sent(), 1)
	assert.Equal(t, customer, mock.Sent()[0].To)
	r := <-svc.Receipts()
	assert.Equal(t, models.MessageStatusSent, r.Status)
	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, svc.SendMessage(context.Background(), customer, "late"), ErrServiceStopped)
}

func TestCanonicalizePhone(t *testing.T) {
	got, err := CanonicalizePhone("whatsapp:+250 (788) 123-456")
	require.NoError(t, err)
	assert.Equal(t, customer, got)
	_, err = CanonicalizePhone("")
	assert.Error(t, err)
	_, err = CanonicalizePhone("abc")
	assert.Error(t, err)
	_, err = CanonicalizePhone("12345")
	assert.Error(t, err)
}
