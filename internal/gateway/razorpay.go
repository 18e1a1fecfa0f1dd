package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"

	"quote-payments-service/internal/models"
	"quote-payments-service/internal/signature"
)

// RazorpayGateway implements the PaymentGateway interface for Razorpay, the
// regional wallet/UPI provider. Payment artifacts are hosted Payment Links.
type RazorpayGateway struct {
	client     *razorpay.Client
	isTestMode bool
}

// NewRazorpayGateway creates a new Razorpay gateway instance
func NewRazorpayGateway(config *models.GatewayConfig) (*RazorpayGateway, error) {
	if config.APIKeyPublic == "" || config.APIKeySecret == "" {
		return nil, &GatewayError{
			Gateway: models.GatewayRazorpay,
			Code:    ErrGatewayConfiguration,
			Message: "razorpay key id and secret are required",
		}
	}
	return &RazorpayGateway{
		client:     razorpay.NewClient(config.APIKeyPublic, config.APIKeySecret),
		isTestMode: config.IsTestMode,
	}, nil
}

// Type returns the gateway type
func (g *RazorpayGateway) Type() models.GatewayType {
	return models.GatewayRazorpay
}

// CreatePaymentArtifact creates a Razorpay Payment Link. Razorpay takes
// amounts in paise, which matches the minor-unit convention directly. The
// SDK has no context support, so the call runs in a goroutine and the
// caller's deadline is honored with a select.
func (g *RazorpayGateway) CreatePaymentArtifact(ctx context.Context, req *CreateArtifactRequest) (*ArtifactResult, error) {
	data := map[string]interface{}{
		"amount":       req.AmountMinor,
		"currency":     strings.ToUpper(req.Currency),
		"reference_id": req.ReferenceID,
		"description":  req.Description,
		"customer": map[string]interface{}{
			"name":    req.CustomerName,
			"email":   req.CustomerEmail,
			"contact": req.CustomerPhone,
		},
		"notes": map[string]interface{}{
			"quote_id":   req.QuoteID,
			"attempt_id": req.ReferenceID,
		},
	}
	if !req.ExpireAt.IsZero() {
		data["expire_by"] = req.ExpireAt.Unix()
	}

	type linkResult struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan linkResult, 1)
	go func() {
		body, err := g.client.PaymentLink.Create(data, nil)
		done <- linkResult{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, WrapError(models.GatewayRazorpay, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, WrapError(models.GatewayRazorpay, res.err)
		}
		linkID, _ := res.body["id"].(string)
		shortURL, _ := res.body["short_url"].(string)
		if linkID == "" || shortURL == "" {
			return nil, NewGatewayError(models.GatewayRazorpay, "payment link response missing id or short_url")
		}
		raw, _ := json.Marshal(res.body)
		result := &ArtifactResult{
			ExternalReference: linkID,
			PaymentURL:        shortURL,
			RawResponse:       string(raw),
			Variant:           models.VariantModern,
		}
		if expireBy, ok := res.body["expire_by"].(float64); ok && expireBy > 0 {
			result.ExpiresAt = time.Unix(int64(expireBy), 0)
		}
		return result, nil
	}
}

// VerifyWebhook validates the X-Razorpay-Signature header, a plain
// HMAC-SHA256 over the raw body.
func (g *RazorpayGateway) VerifyWebhook(body []byte, signatureHeader, secret string) bool {
	return signature.VerifyPlain(body, signatureHeader, secret)
}

type razorpayEntity struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      string            `json:"status"`
	PaymentID   string            `json:"payment_id"`
	OrderID     string            `json:"order_id"`
	ErrorReason string            `json:"error_reason"`
	ErrorDesc   string            `json:"error_description"`
	Notes       map[string]string `json:"notes"`
}

type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"refund"`
		PaymentLink struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment_link"`
		Dispute struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"dispute"`
	} `json:"payload"`
}

// ParseWebhookEvent normalizes a Razorpay event. Razorpay carries its event
// id in a request header rather than the body, so the ledger key is derived
// from the event name plus the primary entity id, which is stable across
// redeliveries of the same logical event.
func (g *RazorpayGateway) ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var env razorpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse razorpay event: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("razorpay event missing event name")
	}

	evt := &WebhookEvent{
		RawType:     env.Event,
		GatewayType: models.GatewayRazorpay,
	}

	fill := func(entity razorpayEntity) {
		evt.EventID = fmt.Sprintf("%s:%s", env.Event, entity.ID)
		evt.QuoteRef = entity.Notes["quote_id"]
		evt.AmountMinor = entity.Amount
		evt.Currency = strings.ToUpper(entity.Currency)
	}

	switch env.Event {
	case "payment_link.paid":
		entity := env.Payload.PaymentLink.Entity
		fill(entity)
		evt.Kind = KindPaymentSucceeded
		evt.PaymentRef = entity.ID
	case "payment_link.expired", "payment_link.cancelled":
		entity := env.Payload.PaymentLink.Entity
		fill(entity)
		evt.Kind = KindPaymentCancelled
		evt.PaymentRef = entity.ID
	case "payment.failed":
		entity := env.Payload.Payment.Entity
		fill(entity)
		evt.Kind = KindPaymentFailed
		evt.PaymentRef = entity.ID
		evt.Reason = entity.ErrorDesc
		if evt.Reason == "" {
			evt.Reason = entity.ErrorReason
		}
	case "refund.processed":
		entity := env.Payload.Refund.Entity
		fill(entity)
		evt.Kind = KindRefundSucceeded
		evt.RefundID = entity.ID
		evt.PaymentRef = entity.PaymentID
	case "refund.failed":
		entity := env.Payload.Refund.Entity
		fill(entity)
		evt.Kind = KindRefundFailed
		evt.RefundID = entity.ID
		evt.PaymentRef = entity.PaymentID
		evt.Reason = entity.ErrorDesc
	case "payment.dispute.created":
		entity := env.Payload.Dispute.Entity
		fill(entity)
		evt.Kind = KindDisputeCreated
		evt.DisputeID = entity.ID
		evt.PaymentRef = entity.PaymentID
		evt.Reason = entity.ErrorReason
	case "payment.dispute.won", "payment.dispute.lost", "payment.dispute.closed":
		entity := env.Payload.Dispute.Entity
		fill(entity)
		evt.Kind = KindDisputeUpdated
		evt.DisputeID = entity.ID
		evt.PaymentRef = entity.PaymentID
		evt.Reason = entity.Status
	default:
		evt.Kind = KindUnknown
		sum := sha256.Sum256(body)
		evt.EventID = fmt.Sprintf("%s:%s", env.Event, hex.EncodeToString(sum[:8]))
	}

	return evt, nil
}
