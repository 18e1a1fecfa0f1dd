package models

import "time"

// ErrorResponse is the standard error response envelope
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// SupportRef carries the internal attempt id so support can trace a
	// failed link creation without exposing gateway internals.
	SupportRef string `json:"supportRef,omitempty"`
}

// CreatePaymentLinkRequest is the request to create a payment link for a quote
type CreatePaymentLinkRequest struct {
	QuoteID       string `json:"quoteId" binding:"required,uuid"`
	GatewayType   string `json:"gatewayType" binding:"required"`
	AmountMinor   int64  `json:"amountMinor" binding:"required,gt=0"`
	Currency      string `json:"currency" binding:"required,len=3"`
	CustomerEmail string `json:"customerEmail" binding:"required,email"`
	CustomerPhone string `json:"customerPhone,omitempty"`
	CustomerName  string `json:"customerName,omitempty"`
	Description   string `json:"description,omitempty"`
}

// PaymentLinkResponse is returned once an attempt reaches DB_RECORDED
type PaymentLinkResponse struct {
	LinkCode   string    `json:"linkCode"`
	PaymentURL string    `json:"paymentUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
	AttemptID  string    `json:"attemptId"`
	Gateway    string    `json:"gateway"`
	Reused     bool      `json:"reused"`
}

// WebhookAck is the small acknowledgment body returned to gateways,
// including for duplicate/no-op acceptance.
type WebhookAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"eventId,omitempty"`
}
