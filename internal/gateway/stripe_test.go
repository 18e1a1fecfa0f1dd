package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-payments-service/internal/models"
)

func TestStripeParseWebhookEvent(t *testing.T) {
	g := &StripeGateway{}

	t.Run("paid checkout session maps to payment succeeded", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_100",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_100",
				"payment_status": "paid",
				"amount_total": 125000,
				"currency": "usd",
				"metadata": {"quote_id": "q-1"}
			}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, "evt_100", evt.EventID)
		assert.Equal(t, KindPaymentSucceeded, evt.Kind)
		assert.Equal(t, "cs_100", evt.PaymentRef)
		assert.Equal(t, "q-1", evt.QuoteRef)
		assert.Equal(t, int64(125000), evt.AmountMinor)
		assert.Equal(t, "USD", evt.Currency)
	})

	t.Run("unpaid checkout session completion is not a success", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_101",
			"type": "checkout.session.completed",
			"data": {"object": {"id": "cs_101", "payment_status": "unpaid"}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindUnknown, evt.Kind)
	})

	t.Run("expired session maps to cancelled", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_102",
			"type": "checkout.session.expired",
			"data": {"object": {"id": "cs_102"}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindPaymentCancelled, evt.Kind)
	})

	t.Run("payment failure carries the decline message", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_103",
			"type": "payment_intent.payment_failed",
			"data": {"object": {
				"id": "pi_103",
				"amount": 125000,
				"last_payment_error": {"message": "Your card was declined."}
			}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindPaymentFailed, evt.Kind)
		assert.Equal(t, "Your card was declined.", evt.Reason)
	})

	t.Run("succeeded refund maps to refund succeeded", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_104",
			"type": "refund.updated",
			"data": {"object": {
				"id": "re_104",
				"status": "succeeded",
				"payment_intent": "pi_103",
				"amount": 50000
			}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindRefundSucceeded, evt.Kind)
		assert.Equal(t, "re_104", evt.RefundID)
		assert.Equal(t, "pi_103", evt.PaymentRef)
		assert.Equal(t, int64(50000), evt.AmountMinor)
	})

	t.Run("pending refund update is ignored", func(t *testing.T) {
		body := []byte(`{
			"id": "evt_105",
			"type": "refund.updated",
			"data": {"object": {"id": "re_105", "status": "pending"}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindUnknown, evt.Kind)
	})

	t.Run("dispute creation carries the response deadline", func(t *testing.T) {
		due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
		body := []byte(`{
			"id": "evt_106",
			"type": "charge.dispute.created",
			"data": {"object": {
				"id": "dp_106",
				"payment_intent": "pi_103",
				"amount": 125000,
				"reason": "fraudulent",
				"evidence_details": {"due_by": 1789430400}
			}}
		}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindDisputeCreated, evt.Kind)
		require.NotNil(t, evt.RespondBy)
		assert.Equal(t, due.Unix(), evt.RespondBy.Unix())
	})

	t.Run("unrecognized type maps to unknown", func(t *testing.T) {
		body := []byte(`{"id": "evt_107", "type": "invoice.finalized", "data": {"object": {}}}`)
		evt, err := g.ParseWebhookEvent(body)
		require.NoError(t, err)
		assert.Equal(t, KindUnknown, evt.Kind)
		assert.Equal(t, "evt_107", evt.EventID)
	})

	t.Run("missing event id is an error", func(t *testing.T) {
		_, err := g.ParseWebhookEvent([]byte(`{"type": "checkout.session.completed"}`))
		assert.Error(t, err)
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		_, err := g.ParseWebhookEvent([]byte(`{not json`))
		assert.Error(t, err)
	})
}

func TestNewStripeGatewayRequiresSecret(t *testing.T) {
	_, err := NewStripeGateway(&models.GatewayConfig{GatewayType: models.GatewayStripe})
	require.Error(t, err)

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ErrGatewayConfiguration, gwErr.Code)
}
