package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"quote-payments-service/internal/models"
	"quote-payments-service/internal/signature"
)

// StripeGateway implements the PaymentGateway interface for Stripe, the
// card-rails provider. Payment artifacts are hosted Checkout Sessions.
type StripeGateway struct {
	api        *client.API
	isTestMode bool
}

// NewStripeGateway creates a new Stripe gateway instance. The API client is
// built per config so rotated credentials take effect on the next request.
func NewStripeGateway(config *models.GatewayConfig) (*StripeGateway, error) {
	if config.APIKeySecret == "" {
		return nil, &GatewayError{
			Gateway: models.GatewayStripe,
			Code:    ErrGatewayConfiguration,
			Message: "stripe secret key is required",
		}
	}

	api := &client.API{}
	api.Init(config.APIKeySecret, nil)

	return &StripeGateway{
		api:        api,
		isTestMode: config.IsTestMode,
	}, nil
}

// Type returns the gateway type
func (g *StripeGateway) Type() models.GatewayType {
	return models.GatewayStripe
}

// CreatePaymentArtifact creates a Stripe Checkout Session for the hosted
// payment page. Stripe takes amounts in minor units directly.
func (g *StripeGateway) CreatePaymentArtifact(ctx context.Context, req *CreateArtifactRequest) (*ArtifactResult, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(req.Description),
						Description: stripe.String(fmt.Sprintf("Quote %s", req.QuoteID)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.ReferenceID),
		Metadata: map[string]string{
			"quote_id":   req.QuoteID,
			"attempt_id": req.ReferenceID,
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"quote_id":   req.QuoteID,
				"attempt_id": req.ReferenceID,
			},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if !req.ExpireAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpireAt.Unix())
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ReferenceID)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, WrapError(models.GatewayStripe, err)
	}

	raw, _ := json.Marshal(sess)
	result := &ArtifactResult{
		ExternalReference: sess.ID,
		PaymentURL:        sess.URL,
		RawResponse:       string(raw),
		Variant:           models.VariantModern,
	}
	if sess.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(sess.ExpiresAt, 0)
	}
	return result, nil
}

// VerifyWebhook validates the Stripe-Signature header, which uses the
// timestamp-prefixed t=<ts>,v1=<hex> HMAC scheme.
func (g *StripeGateway) VerifyWebhook(body []byte, signatureHeader, secret string) bool {
	return signature.VerifyTimestamped(body, signatureHeader, secret, signature.DefaultTolerance)
}

// stripeEventEnvelope is the subset of a Stripe event this service reads.
type stripeEventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeObject struct {
	ID            string            `json:"id"`
	Metadata      map[string]string `json:"metadata"`
	PaymentIntent string            `json:"payment_intent"`
	Charge        string            `json:"charge"`
	Amount        int64             `json:"amount"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	Reason        string            `json:"reason"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	EvidenceDetails *struct {
		DueBy int64 `json:"due_by"`
	} `json:"evidence_details"`
}

// ParseWebhookEvent normalizes a Stripe event into the shared tagged form.
func (g *StripeGateway) ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var env stripeEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse stripe event: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("stripe event missing id")
	}

	var obj stripeObject
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("failed to parse stripe event object: %w", err)
		}
	}

	evt := &WebhookEvent{
		EventID:     env.ID,
		RawType:     env.Type,
		GatewayType: models.GatewayStripe,
		QuoteRef:    obj.Metadata["quote_id"],
		Currency:    strings.ToUpper(obj.Currency),
	}

	switch env.Type {
	case "checkout.session.completed":
		if obj.PaymentStatus != "paid" {
			// Async payment methods complete later via
			// checkout.session.async_payment_succeeded.
			evt.Kind = KindUnknown
			return evt, nil
		}
		evt.Kind = KindPaymentSucceeded
		evt.PaymentRef = obj.ID
		evt.AmountMinor = obj.AmountTotal
	case "checkout.session.async_payment_succeeded":
		evt.Kind = KindPaymentSucceeded
		evt.PaymentRef = obj.ID
		evt.AmountMinor = obj.AmountTotal
	case "checkout.session.expired":
		evt.Kind = KindPaymentCancelled
		evt.PaymentRef = obj.ID
	case "payment_intent.payment_failed":
		evt.Kind = KindPaymentFailed
		evt.PaymentRef = obj.ID
		evt.AmountMinor = obj.Amount
		if obj.LastPaymentError != nil {
			evt.Reason = obj.LastPaymentError.Message
		}
	case "refund.created", "refund.updated":
		if obj.Status != "succeeded" {
			evt.Kind = KindUnknown
			return evt, nil
		}
		evt.Kind = KindRefundSucceeded
		evt.RefundID = obj.ID
		evt.PaymentRef = obj.PaymentIntent
		evt.AmountMinor = obj.Amount
		evt.Reason = obj.Reason
	case "refund.failed":
		evt.Kind = KindRefundFailed
		evt.RefundID = obj.ID
		evt.PaymentRef = obj.PaymentIntent
		evt.AmountMinor = obj.Amount
		evt.Reason = obj.Reason
	case "charge.dispute.created":
		evt.Kind = KindDisputeCreated
		evt.DisputeID = obj.ID
		evt.PaymentRef = obj.PaymentIntent
		evt.AmountMinor = obj.Amount
		evt.Reason = obj.Reason
		if obj.EvidenceDetails != nil && obj.EvidenceDetails.DueBy > 0 {
			due := time.Unix(obj.EvidenceDetails.DueBy, 0)
			evt.RespondBy = &due
		}
	case "charge.dispute.updated", "charge.dispute.closed":
		evt.Kind = KindDisputeUpdated
		evt.DisputeID = obj.ID
		evt.PaymentRef = obj.PaymentIntent
		evt.Reason = obj.Status
	default:
		evt.Kind = KindUnknown
	}

	return evt, nil
}
