package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkoutCompleted = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1717000000,
  "livemode": false,
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "amount_total": 35000,
    "currency": "usd",
    "payment_status": "paid",
    "payment_intent": "pi_1",
    "payment_method_types": ["card"],
    "metadata": {"user_id": "u1", "fee_type": "selection_process"}
  }}
}`

const paymentIntentSucceeded = `{
  "id": "evt_2",
  "object": "event",
  "type": "payment_intent.succeeded",
  "created": 1717000001,
  "data": {"object": {
    "id": "pi_2",
    "object": "payment_intent",
    "status": "succeeded",
    "amount": 183750,
    "amount_received": 183750,
    "currency": "brl",
    "payment_method_types": ["pix"]
  }}
}`

func TestParse_CheckoutSession(t *testing.T) {
	e, err := Parse([]byte(checkoutCompleted))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", e.ID)
	assert.Equal(t, KindCheckoutCompleted, e.Kind)
	require.NotNil(t, e.Session)
	assert.Equal(t, "cs_test_1", e.Session.ID)
	assert.Equal(t, "pi_1", e.Session.PaymentIntentID)
	assert.Equal(t, int64(35000), e.Session.AmountTotal)
	assert.Equal(t, "USD", e.Session.Currency)
	assert.Equal(t, "paid", e.Session.PaymentStatus)
	assert.Equal(t, "selection_process", e.Session.Metadata["fee_type"])
	assert.Nil(t, e.PaymentIntent)
}

func TestParse_PaymentIntent(t *testing.T) {
	e, err := Parse([]byte(paymentIntentSucceeded))
	require.NoError(t, err)

	assert.Equal(t, KindPaymentIntentSucceeded, e.Kind)
	require.NotNil(t, e.PaymentIntent)
	assert.Equal(t, "pi_2", e.PaymentIntent.ID)
	assert.True(t, e.PaymentIntent.Succeeded())
	assert.Equal(t, "BRL", e.PaymentIntent.Currency)
}

func TestParse_Unsupported(t *testing.T) {
	e, err := Parse([]byte(`{"id":"evt_3","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnsupported, e.Kind)
	assert.Nil(t, e.Session)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "nope"},
		{name: "missing type", body: `{"id":"evt_1"}`},
		{name: "missing data", body: `{"id":"evt_1","type":"checkout.session.completed"}`},
		{name: "session without id", body: `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"amount_total":1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestSession_UsesAnyMethod(t *testing.T) {
	s := Session{PaymentMethodTypes: []string{"card", "PIX"}}
	assert.True(t, s.UsesAnyMethod([]string{"pix", "boleto"}))
	assert.False(t, s.UsesAnyMethod([]string{"boleto"}))
}

func TestPaymentIntent_Succeeded(t *testing.T) {
	assert.False(t, PaymentIntent{Status: "processing", AmountReceived: 100}.Succeeded())
	assert.False(t, PaymentIntent{Status: "succeeded", AmountReceived: 0}.Succeeded())
	assert.True(t, PaymentIntent{Status: "succeeded", AmountReceived: 1}.Succeeded())
}
