package flow

import (
	"context"
	"testing"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPaymentInstructions(t *testing.T) {
	momo := models.Bar{Name: "Heights Lounge", MerchantCode: "123456"}
	pi := BuildPaymentInstructions(momo, 1500, "RWF", "ABC234")
	assert.Equal(t, models.PaymentMethodMomoUSSD, pi.Method)
	assert.Equal(t, "*182*8*1*123456*1500#", pi.USSD)
	assert.Equal(t, "tel:*182*8*1*123456*1500%23", pi.TelLink)
	assert.Equal(t, int64(1500), pi.Amount)
	assert.Contains(t, pi.Text, "1,500 RWF")

	usd := BuildPaymentInstructions(momo, 750, "USD", "ABC234")
	assert.Equal(t, "*182*8*1*123456*8#", usd.USSD, "fractional amounts round up")

	counter := BuildPaymentInstructions(models.Bar{Name: "Grill"}, 2500, "RWF", "XYZ789")
	assert.Equal(t, models.PaymentMethodCounter, counter.Method)
	assert.Empty(t, counter.USSD)
	assert.Empty(t, counter.TelLink)
	assert.Contains(t, counter.Text, "XYZ789")
}

func TestOrderService_FlowSurfaceSendsReceipt(t *testing.T) {
	s := store.NewInMemoryStore()
	n := &recordingNotifier{}
	svc := NewOrderService(s, WithNotifier(n), WithDefaultCurrency("rwf"))
	bar := models.Bar{ID: "b1", Name: "Heights", MerchantCode: "123456", Contacts: []string{"250788000100", "250788000101"}}
	item := models.MenuItem{ID: "i1", BarID: "b1", Name: "Primus", PriceMinor: 1500, Available: true}

	o, err := svc.PlaceOrder(context.Background(), "250788123456", bar, item, SurfaceFlow)
	require.NoError(t, err)
	assert.Equal(t, "RWF", o.Currency)
	assert.Len(t, o.Code, 6)
	assert.Equal(t, []string{NotifyVendorAlert, NotifyVendorAlert, NotifyCustomerReceipt}, n.kinds())
	for _, sent := range n.sent {
		assert.Equal(t, o.ID, sent.CorrelationID)
	}
}

func TestOrderService_TransitionOnlyFromPending(t *testing.T) {
	s := store.NewInMemoryStore()
	svc := NewOrderService(s)
	bar := models.Bar{ID: "b1", Name: "Heights"}
	o, err := svc.PlaceOrder(context.Background(), "250788123456", bar, models.MenuItem{ID: "i1", Name: "Primus", PriceMinor: 1500}, SurfaceChat)
	require.NoError(t, err)

	paid, err := svc.MarkPaid(context.Background(), o.ID, bar)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)

	again, err := svc.Cancel(context.Background(), o.ID, bar)
	assert.ErrorIs(t, err, errOrderNotPending)
	assert.Equal(t, models.OrderStatusPaid, again.Status)

	missing, err := svc.MarkPaid(context.Background(), "nope", bar)
	assert.NoError(t, err)
	assert.Nil(t, missing)
}
