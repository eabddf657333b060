package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	require.NoError(t, mock.SendMessage(ctx, "250788123456", "Order ABC234 placed"))
	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "250788123456", sent[0].To)
	assert.Equal(t, "Order ABC234 placed", sent[0].Body)

	mock.Err = errors.New("twilio 503")
	assert.Error(t, mock.SendMessage(ctx, "250788123456", "again"))
	assert.Len(t, mock.Sent(), 1)
}

func TestWhatsAppAddress(t *testing.T) {
	assert.Equal(t, "whatsapp:+250788123456", WhatsAppAddress("250788123456"))
	assert.Equal(t, "whatsapp:+250788123456", WhatsAppAddress("+250788123456"))
	assert.Equal(t, "whatsapp:+14155238886", WhatsAppAddress("whatsapp:+14155238886"))
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	_, err := NewClient()
	assert.Error(t, err)

	_, err = NewClient(WithAccountSID("AC123"), WithAuthToken("secret"))
	assert.Error(t, err, "from number is required")

	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+14155238886"))
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+14155238886", c.fromWhats)
}

func TestClient_ValidateSignature(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+14155238886"))
	require.NoError(t, err)
	params := map[string]string{"From": "whatsapp:+250788123456", "Body": "hi"}
	assert.False(t, c.ValidateSignature("https://example.com/webhook/twilio", params, "bogus"))
}
