package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"quote-payments-service/internal/models"
)

// ErrorCode is the shared error taxonomy. Downstream alerting and retry
// logic branch on these codes instead of each provider's free-text error
// vocabulary.
type ErrorCode string

const (
	ErrSignatureInvalid          ErrorCode = "SIGNATURE_INVALID"
	ErrDuplicateEvent            ErrorCode = "DUPLICATE_EVENT"
	ErrGatewayTimeout            ErrorCode = "GATEWAY_TIMEOUT"
	ErrGatewayUnavailable        ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrGatewayConfiguration      ErrorCode = "GATEWAY_CONFIGURATION_ERROR"
	ErrPaymentDeclined           ErrorCode = "PAYMENT_DECLINED"
	ErrInsufficientFunds         ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCardExpired               ErrorCode = "CARD_EXPIRED"
	ErrFraudDetected             ErrorCode = "FRAUD_DETECTED"
	ErrUnauthorizedPaymentAccess ErrorCode = "UNAUTHORIZED_PAYMENT_ACCESS"
	ErrPaymentProcessingFailed   ErrorCode = "PAYMENT_PROCESSING_FAILED"
)

// GatewayError is the typed error adapters return. Retryable marks codes
// where the same request may succeed later (timeouts, outages).
type GatewayError struct {
	Gateway   models.GatewayType
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Gateway, e.Message, e.Code)
}

// NewGatewayError maps a raw provider error into the taxonomy and wraps it.
func NewGatewayError(gw models.GatewayType, raw string) *GatewayError {
	code := MapErrorCode(gw, raw)
	return &GatewayError{
		Gateway:   gw,
		Code:      code,
		Message:   raw,
		Retryable: code == ErrGatewayTimeout || code == ErrGatewayUnavailable,
	}
}

// WrapError converts any adapter-level error into a *GatewayError, keeping
// an existing taxonomy code if one is already attached and classifying
// transport errors (context deadline, net timeouts) as timeouts.
func WrapError(gw models.GatewayType, err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Gateway: gw, Code: ErrGatewayTimeout, Message: err.Error(), Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &GatewayError{Gateway: gw, Code: ErrGatewayTimeout, Message: err.Error(), Retryable: true}
	}
	return NewGatewayError(gw, err.Error())
}

// matchRule pairs provider vocabulary with a taxonomy code. Order matters:
// the first matching rule wins, so the more specific vocabulary sits above
// the generic decline words.
type matchRule struct {
	needles []string
	code    ErrorCode
}

var commonRules = []matchRule{
	{[]string{"insufficient fund", "insufficient balance", "not enough fund"}, ErrInsufficientFunds},
	{[]string{"expired card", "card expired", "expired_card", "expiry"}, ErrCardExpired},
	{[]string{"fraud", "risk threshold", "blocked as suspicious", "suspected_fraud"}, ErrFraudDetected},
	{[]string{"unauthorized", "authentication failed", "invalid api key", "invalid key", "access denied", "forbidden"}, ErrUnauthorizedPaymentAccess},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ErrGatewayTimeout},
	{[]string{"unavailable", "service is down", "503", "bad gateway", "connection refused"}, ErrGatewayUnavailable},
	{[]string{"not configured", "misconfigur", "missing credential", "no such merchant", "invalid merchant"}, ErrGatewayConfiguration},
	{[]string{"duplicate", "already exists", "already processed"}, ErrDuplicateEvent},
	{[]string{"declined", "do not honor", "do_not_honor", "rejected by issuer", "payment failed by customer"}, ErrPaymentDeclined},
	{[]string{"invalid signature", "signature mismatch"}, ErrSignatureInvalid},
}

var gatewayRules = map[models.GatewayType][]matchRule{
	models.GatewayStripe: {
		{[]string{"card_declined", "generic_decline"}, ErrPaymentDeclined},
		{[]string{"insufficient_funds"}, ErrInsufficientFunds},
		{[]string{"expired_card"}, ErrCardExpired},
		{[]string{"fraudulent", "stolen_card", "lost_card"}, ErrFraudDetected},
		{[]string{"api_key_expired", "invalid_request_error: no such"}, ErrGatewayConfiguration},
	},
	models.GatewayRazorpay: {
		{[]string{"bad_request_error", "payment_declined"}, ErrPaymentDeclined},
		{[]string{"gateway_error"}, ErrGatewayUnavailable},
		{[]string{"server_error"}, ErrGatewayUnavailable},
	},
	models.GatewayPayU: {
		{[]string{"e700", "transaction failed at bank"}, ErrPaymentDeclined},
		{[]string{"invalid hash", "checksum"}, ErrSignatureInvalid},
		{[]string{"invalid key or salt"}, ErrGatewayConfiguration},
	},
}

// MapErrorCode normalizes a provider-specific error string into the shared
// taxonomy. Gateway-specific vocabulary is checked first, then the common
// rules; anything unmatched falls through to PAYMENT_PROCESSING_FAILED.
func MapErrorCode(gw models.GatewayType, raw string) ErrorCode {
	lowered := strings.ToLower(raw)

	for _, rule := range gatewayRules[gw] {
		for _, needle := range rule.needles {
			if strings.Contains(lowered, needle) {
				return rule.code
			}
		}
	}
	for _, rule := range commonRules {
		for _, needle := range rule.needles {
			if strings.Contains(lowered, needle) {
				return rule.code
			}
		}
	}
	return ErrPaymentProcessingFailed
}
