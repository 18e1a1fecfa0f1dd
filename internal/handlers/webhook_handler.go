package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"quote-payments-service/internal/models"
	"quote-payments-service/internal/services"
)

// Signature header names per gateway
const (
	headerStripeSignature   = "Stripe-Signature"
	headerRazorpaySignature = "X-Razorpay-Signature"
	headerPayUSignature     = "X-Payu-Signature"
)

// WebhookHandler handles inbound gateway webhook requests
type WebhookHandler struct {
	service *services.WebhookService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		service: service,
	}
}

// HandleStripeWebhook handles POST /webhooks/stripe
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	h.handle(c, models.GatewayStripe, headerStripeSignature, true)
}

// HandleRazorpayWebhook handles POST /webhooks/razorpay
func (h *WebhookHandler) HandleRazorpayWebhook(c *gin.Context) {
	h.handle(c, models.GatewayRazorpay, headerRazorpaySignature, true)
}

// HandlePayUWebhook handles POST /webhooks/payu. The header is optional:
// legacy PayU callbacks carry their proof as a hash embedded in the body,
// which the adapter verifies when the header is absent.
func (h *WebhookHandler) HandlePayUWebhook(c *gin.Context) {
	h.handle(c, models.GatewayPayU, headerPayUSignature, false)
}

// handle runs the shared webhook pipeline. The raw body bytes are passed
// through untouched: signature verification covers the exact bytes received.
func (h *WebhookHandler) handle(c *gin.Context, gatewayType models.GatewayType, signatureHeader string, requireHeader bool) {
	signature := c.GetHeader(signatureHeader)
	if signature == "" && requireHeader {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Missing signature",
			Message: signatureHeader + " header is required",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Failed to read request body",
			Message: err.Error(),
		})
		return
	}

	ack, err := h.service.ProcessWebhook(c.Request.Context(), gatewayType, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSignatureRejected):
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: "Invalid signature",
			})
		case errors.Is(err, services.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: "Malformed payload",
			})
		case errors.Is(err, models.ErrGatewayNotConfigured):
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: "Gateway not configured",
			})
		default:
			// Non-2xx makes the gateway redeliver, which is what a
			// transient processing failure needs.
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error: "Failed to process webhook",
			})
		}
		return
	}

	c.JSON(http.StatusOK, ack)
}
