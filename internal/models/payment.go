package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Gateway config errors
var (
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
	ErrInvalidGateway       = errors.New("invalid payment gateway")
)

// GatewayType represents the payment gateway provider
type GatewayType string

const (
	GatewayStripe   GatewayType = "STRIPE"
	GatewayRazorpay GatewayType = "RAZORPAY"
	GatewayPayU     GatewayType = "PAYU"
)

// PaymentState represents how far a payment attempt got through the
// create-link saga. Transitions only move forward except for the error
// escape to FAILED/ORPHANED.
type PaymentState string

const (
	AttemptPending         PaymentState = "PENDING"
	AttemptExternalCreated PaymentState = "EXTERNAL_CREATED"
	AttemptDBRecorded      PaymentState = "DB_RECORDED"
	AttemptFailed          PaymentState = "FAILED"
	AttemptOrphaned        PaymentState = "ORPHANED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PaymentState) Terminal() bool {
	return s == AttemptDBRecorded || s == AttemptFailed || s == AttemptOrphaned
}

var attemptStateOrder = map[PaymentState]int{
	AttemptPending:         0,
	AttemptExternalCreated: 1,
	AttemptDBRecorded:      2,
}

// CanTransitionTo reports whether moving from s to next respects the saga
// ordering. FAILED and ORPHANED are reachable from any non-terminal state
// and never reversed.
func (s PaymentState) CanTransitionTo(next PaymentState) bool {
	if s.Terminal() {
		return false
	}
	if next == AttemptFailed || next == AttemptOrphaned {
		return true
	}
	from, ok := attemptStateOrder[s]
	if !ok {
		return false
	}
	to, ok := attemptStateOrder[next]
	if !ok {
		return false
	}
	return to == from+1
}

// WireVariant identifies which API variant of a gateway served a request
type WireVariant string

const (
	VariantModern WireVariant = "modern"
	VariantLegacy WireVariant = "legacy"
)

// DeliveryStatus represents the processing state of an inbound webhook
type DeliveryStatus string

const (
	DeliveryProcessing DeliveryStatus = "PROCESSING"
	DeliveryCompleted  DeliveryStatus = "COMPLETED"
	DeliveryFailed     DeliveryStatus = "FAILED"
)

// QuoteStatus represents the quote lifecycle status. The quote subsystem
// owns this enum; this service only performs the payment transitions
// (approved|sent -> paid -> refunded, plus the paid -> approved compensation).
type QuoteStatus string

const (
	QuoteDraft     QuoteStatus = "DRAFT"
	QuoteApproved  QuoteStatus = "APPROVED"
	QuoteSent      QuoteStatus = "SENT"
	QuotePaid      QuoteStatus = "PAID"
	QuoteRefunded  QuoteStatus = "REFUNDED"
	QuoteCancelled QuoteStatus = "CANCELLED"
)

// RefundStatus represents the refund record status
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

// DisputeStatus represents the dispute record status
type DisputeStatus string

const (
	DisputeNeedsResponse DisputeStatus = "NEEDS_RESPONSE"
	DisputeUnderReview   DisputeStatus = "UNDER_REVIEW"
	DisputeWon           DisputeStatus = "WON"
	DisputeLost          DisputeStatus = "LOST"
)

// JSONB custom type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(j))
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*j = JSONB(m)
	return nil
}

// GatewayConfig represents a payment gateway configuration. Credentials are
// read from this table on every request so a secret rotation takes effect
// without a restart.
type GatewayConfig struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	GatewayType GatewayType `gorm:"type:varchar(50);not null;uniqueIndex:idx_gateway_configs_type" json:"gatewayType"`
	DisplayName string      `gorm:"type:varchar(255);not null" json:"displayName"`
	IsEnabled   bool        `gorm:"default:true" json:"isEnabled"`
	IsTestMode  bool        `gorm:"default:true" json:"isTestMode"`

	// API credentials
	APIKeyPublic string `gorm:"type:text" json:"apiKeyPublic"`
	APIKeySecret string `gorm:"type:text" json:"-"` // Never expose in JSON

	// Webhook secrets, one per mode
	WebhookSecretTest string `gorm:"type:text" json:"-"`
	WebhookSecretLive string `gorm:"type:text" json:"-"`

	Config JSONB `gorm:"type:jsonb" json:"config"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// WebhookSecret returns the webhook secret matching the configured mode.
func (c *GatewayConfig) WebhookSecret() string {
	if c.IsTestMode {
		return c.WebhookSecretTest
	}
	return c.WebhookSecretLive
}

// TableName specifies the table name for GatewayConfig
func (GatewayConfig) TableName() string {
	return "gateway_configs"
}

// PaymentAttempt is the saga record for one payment-link creation. It is
// inserted before any external call and never deleted, so a crash at any
// step leaves a durable trace. PaymentState is mutated only by the link
// service.
type PaymentAttempt struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	AttemptCode string      `gorm:"type:varchar(64);not null;uniqueIndex:idx_payment_attempts_code" json:"attemptCode"`
	QuoteID     uuid.UUID   `gorm:"type:uuid;not null;index:idx_payment_attempts_quote" json:"quoteId"`
	GatewayType GatewayType `gorm:"type:varchar(50);not null" json:"gatewayType"`

	// Amount in minor currency units (cents/paise)
	AmountMinor int64  `gorm:"not null" json:"amountMinor"`
	Currency    string `gorm:"type:varchar(3);not null" json:"currency"`

	// External artifact, known only after the gateway accepts the request
	ExternalReference string      `gorm:"type:varchar(255);index:idx_payment_attempts_external" json:"externalReference,omitempty"`
	PaymentURL        string      `gorm:"type:text" json:"paymentUrl,omitempty"`
	RawResponse       string      `gorm:"type:text" json:"-"`
	WireVariant       WireVariant `gorm:"type:varchar(20)" json:"wireVariant,omitempty"`

	PaymentState PaymentState `gorm:"type:varchar(50);not null;index:idx_payment_attempts_state" json:"paymentState"`

	// Customer contact forwarded to the gateway
	CustomerEmail string `gorm:"type:varchar(255)" json:"customerEmail,omitempty"`
	CustomerPhone string `gorm:"type:varchar(50)" json:"customerPhone,omitempty"`
	CustomerName  string `gorm:"type:varchar(255)" json:"customerName,omitempty"`

	Metadata JSONB `gorm:"type:jsonb" json:"metadata,omitempty"`

	FailureCode    string `gorm:"type:varchar(100)" json:"failureCode,omitempty"`
	FailureMessage string `gorm:"type:text" json:"failureMessage,omitempty"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP;index:idx_payment_attempts_created" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for PaymentAttempt
func (PaymentAttempt) TableName() string {
	return "payment_attempts"
}

// PaymentLink is the caller-facing record of a usable payment link. It is
// written at the DB_RECORDED saga step; its existence is what makes repeat
// create calls for the same quote idempotent.
type PaymentLink struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	QuoteID     uuid.UUID   `gorm:"type:uuid;not null;index:idx_payment_links_quote" json:"quoteId"`
	AttemptID   uuid.UUID   `gorm:"type:uuid;not null" json:"attemptId"`
	LinkCode    string      `gorm:"type:varchar(32);not null;uniqueIndex:idx_payment_links_code" json:"linkCode"`
	GatewayType GatewayType `gorm:"type:varchar(50);not null" json:"gatewayType"`
	PaymentURL  string      `gorm:"type:text;not null" json:"paymentUrl"`
	AmountMinor int64       `gorm:"not null" json:"amountMinor"`
	Currency    string      `gorm:"type:varchar(3);not null" json:"currency"`
	ExpiresAt   time.Time   `json:"expiresAt"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName specifies the table name for PaymentLink
func (PaymentLink) TableName() string {
	return "payment_links"
}

// Active reports whether the link is still usable at the given time.
func (l *PaymentLink) Active(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// WebhookDelivery is one row of the idempotency ledger. It is inserted with
// status PROCESSING before the event is dispatched; the unique
// (gateway_type, event_id) index is the sole mechanism that stops a replayed
// delivery from reaching a handler twice.
type WebhookDelivery struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	GatewayType GatewayType    `gorm:"type:varchar(50);not null;uniqueIndex:idx_webhook_deliveries_event" json:"gatewayType"`
	EventID     string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_deliveries_event" json:"eventId"`
	EventType   string         `gorm:"type:varchar(100);not null;index:idx_webhook_deliveries_type" json:"eventType"`
	Status      DeliveryStatus `gorm:"type:varchar(20);not null;index:idx_webhook_deliveries_status" json:"status"`

	PayloadSize int    `json:"payloadSize"`
	PaymentRef  string `gorm:"type:varchar(255)" json:"paymentRef,omitempty"`
	QuoteRef    string `gorm:"type:varchar(255)" json:"quoteRef,omitempty"`

	ProcessingError string     `gorm:"type:text" json:"processingError,omitempty"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP;index:idx_webhook_deliveries_created" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for WebhookDelivery
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}

// Refund represents a refund reported by a gateway. Created and updated only
// by the reconciliation handlers, never by outbound code.
type Refund struct {
	ID              uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	AttemptID       uuid.UUID    `gorm:"type:uuid;not null;index:idx_refunds_attempt" json:"attemptId"`
	GatewayRefundID string       `gorm:"type:varchar(255);not null;uniqueIndex:idx_refunds_gateway_id" json:"gatewayRefundId"`
	AmountMinor     int64        `gorm:"not null" json:"amountMinor"`
	Currency        string       `gorm:"type:varchar(3);not null" json:"currency"`
	Status          RefundStatus `gorm:"type:varchar(50);not null" json:"status"`
	Reason          string       `gorm:"type:text" json:"reason,omitempty"`
	FailureMessage  string       `gorm:"type:text" json:"failureMessage,omitempty"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Refund
func (Refund) TableName() string {
	return "refunds"
}

// Dispute represents a chargeback/dispute reported by a gateway. Disputes
// carry contractual response deadlines, so creating one raises an operator
// alert.
type Dispute struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	AttemptID        uuid.UUID     `gorm:"type:uuid;not null;index:idx_disputes_attempt" json:"attemptId"`
	GatewayDisputeID string        `gorm:"type:varchar(255);not null;uniqueIndex:idx_disputes_gateway_id" json:"gatewayDisputeId"`
	AmountMinor      int64         `gorm:"not null" json:"amountMinor"`
	Currency         string        `gorm:"type:varchar(3);not null" json:"currency"`
	Status           DisputeStatus `gorm:"type:varchar(50);not null" json:"status"`
	Reason           string        `gorm:"type:text" json:"reason,omitempty"`
	RespondBy        *time.Time    `json:"respondBy,omitempty"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Dispute
func (Dispute) TableName() string {
	return "disputes"
}

// Quote mirrors the quote subsystem's record. This service only reads the
// status and moves it through the payment transitions via a
// precondition-guarded conditional update.
type Quote struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	QuoteNumber string      `gorm:"type:varchar(64);not null;uniqueIndex:idx_quotes_number" json:"quoteNumber"`
	Status      QuoteStatus `gorm:"type:varchar(50);not null;index:idx_quotes_status" json:"status"`
	AmountMinor int64       `gorm:"not null" json:"amountMinor"`
	Currency    string      `gorm:"type:varchar(3);not null" json:"currency"`

	CustomerEmail string `gorm:"type:varchar(255)" json:"customerEmail,omitempty"`
	CustomerName  string `gorm:"type:varchar(255)" json:"customerName,omitempty"`

	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Quote
func (Quote) TableName() string {
	return "quotes"
}

// AuditEntry is one row of the append-only audit log of saga steps and
// webhook outcomes. Read by operational tooling when reconciling ORPHANED
// attempts by hand; never updated or deleted.
type AuditEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Kind      string    `gorm:"type:varchar(50);not null;index:idx_audit_entries_kind" json:"kind"`
	RefID     string    `gorm:"type:varchar(255);index:idx_audit_entries_ref" json:"refId"`
	Gateway   string    `gorm:"type:varchar(50)" json:"gateway,omitempty"`
	Detail    JSONB     `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_entries_created" json:"createdAt"`
}

// TableName specifies the table name for AuditEntry
func (AuditEntry) TableName() string {
	return "payment_audit_log"
}
