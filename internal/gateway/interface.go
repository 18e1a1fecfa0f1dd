package gateway

import (
	"context"
	"time"

	"quote-payments-service/internal/models"
)

// PaymentGateway is implemented once per provider. Adapters build a
// provider-specific request, parse its response, and normalize inbound
// webhook payloads. Adapters never retry internally; retry policy belongs
// to the caller.
type PaymentGateway interface {
	// Type returns the gateway type
	Type() models.GatewayType

	// CreatePaymentArtifact creates the externally visible payment
	// link/session for an attempt. On failure it returns a *GatewayError.
	CreatePaymentArtifact(ctx context.Context, req *CreateArtifactRequest) (*ArtifactResult, error)

	// VerifyWebhook checks that body genuinely came from this gateway.
	// The body must be the exact bytes received.
	VerifyWebhook(body []byte, signatureHeader, secret string) bool

	// ParseWebhookEvent normalizes a verified raw payload into a tagged
	// WebhookEvent. Unrecognized event types map to KindUnknown, never an
	// error.
	ParseWebhookEvent(body []byte) (*WebhookEvent, error)
}

// CreateArtifactRequest carries everything an adapter needs to build a
// provider request. AmountMinor is always in minor currency units; adapters
// that expect whole units normalize internally.
type CreateArtifactRequest struct {
	ReferenceID   string // caller-supplied idempotency/invoice identifier
	QuoteID       string
	AmountMinor   int64
	Currency      string
	CustomerEmail string
	CustomerPhone string
	CustomerName  string
	Description   string
	ExpireAt      time.Time
}

// ArtifactResult is the outcome of a successful artifact creation. The raw
// response body is stored verbatim on the attempt for audit.
type ArtifactResult struct {
	ExternalReference string
	PaymentURL        string
	RawResponse       string
	ExpiresAt         time.Time
	Variant           models.WireVariant
}

// EventKind is the closed set of webhook event categories this service
// reconciles. Dispatch switches exhaustively over these; anything a gateway
// adds later lands on KindUnknown and is acknowledged without processing.
type EventKind string

const (
	KindPaymentSucceeded EventKind = "payment.succeeded"
	KindPaymentFailed    EventKind = "payment.failed"
	KindPaymentCancelled EventKind = "payment.cancelled"
	KindRefundSucceeded  EventKind = "refund.succeeded"
	KindRefundFailed     EventKind = "refund.failed"
	KindDisputeCreated   EventKind = "dispute.created"
	KindDisputeUpdated   EventKind = "dispute.updated"
	KindUnknown          EventKind = "unknown"
)

// WebhookEvent is a gateway-neutral view of one inbound event.
type WebhookEvent struct {
	EventID     string
	Kind        EventKind
	RawType     string
	GatewayType models.GatewayType

	// Correlation keys. QuoteRef comes from event metadata when present;
	// PaymentRef is the provider's payment/order reference fallback.
	QuoteRef   string
	PaymentRef string

	RefundID  string
	DisputeID string

	AmountMinor int64
	Currency    string
	Reason      string
	RespondBy   *time.Time
}
