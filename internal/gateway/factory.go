package gateway

import (
	"quote-payments-service/internal/models"
)

// NewGateway builds the adapter for a gateway config. Adapters are cheap to
// construct and are built per request, so credential rotation in the config
// table takes effect immediately.
func NewGateway(config *models.GatewayConfig) (PaymentGateway, error) {
	if config == nil || !config.IsEnabled {
		return nil, models.ErrGatewayNotConfigured
	}

	switch config.GatewayType {
	case models.GatewayStripe:
		return NewStripeGateway(config)
	case models.GatewayRazorpay:
		return NewRazorpayGateway(config)
	case models.GatewayPayU:
		return NewPayUGateway(config)
	default:
		return nil, models.ErrInvalidGateway
	}
}

// ParseGatewayType validates a caller-supplied gateway name.
func ParseGatewayType(raw string) (models.GatewayType, error) {
	switch models.GatewayType(raw) {
	case models.GatewayStripe:
		return models.GatewayStripe, nil
	case models.GatewayRazorpay:
		return models.GatewayRazorpay, nil
	case models.GatewayPayU:
		return models.GatewayPayU, nil
	default:
		return "", models.ErrInvalidGateway
	}
}
