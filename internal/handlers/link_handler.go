package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"quote-payments-service/internal/models"
	"quote-payments-service/internal/services"
)

// LinkHandler handles payment-link HTTP requests
type LinkHandler struct {
	service *services.LinkService
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(service *services.LinkService) *LinkHandler {
	return &LinkHandler{
		service: service,
	}
}

// CreatePaymentLink handles POST /api/v1/payment-links
func (h *LinkHandler) CreatePaymentLink(c *gin.Context) {
	var req models.CreatePaymentLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	resp, err := h.service.CreatePaymentLink(c.Request.Context(), &req)
	if err != nil {
		var linkErr *services.LinkError
		switch {
		case errors.Is(err, services.ErrQuoteNotFound):
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: "Quote not found",
			})
		case errors.Is(err, services.ErrQuoteNotPayable):
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Error: "Quote is not in a payable status",
			})
		case errors.Is(err, services.ErrAmountMismatch):
			c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{
				Error: "Amount does not match quote",
			})
		case errors.Is(err, models.ErrInvalidGateway), errors.Is(err, models.ErrGatewayNotConfigured):
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: "Unsupported payment gateway",
			})
		case errors.As(err, &linkErr):
			// Gateway details stay server-side; the support reference is
			// enough to trace the attempt.
			status := http.StatusBadGateway
			if linkErr.Retryable {
				status = http.StatusGatewayTimeout
			}
			c.JSON(status, models.ErrorResponse{
				Error:      "Payment link creation failed",
				SupportRef: linkErr.AttemptID.String(),
			})
		default:
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error: "Payment link creation failed",
			})
		}
		return
	}

	status := http.StatusCreated
	if resp.Reused {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// GetPaymentLinkByQuote handles GET /api/v1/quotes/:quoteId/payment-link
func (h *LinkHandler) GetPaymentLinkByQuote(c *gin.Context) {
	quoteID, err := uuid.Parse(c.Param("quoteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid quote ID",
		})
		return
	}

	link, err := h.service.GetActiveLinkForQuote(c.Request.Context(), quoteID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: "No active payment link for quote",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "Failed to load payment link",
		})
		return
	}

	c.JSON(http.StatusOK, models.PaymentLinkResponse{
		LinkCode:   link.LinkCode,
		PaymentURL: link.PaymentURL,
		ExpiresAt:  link.ExpiresAt,
		AttemptID:  link.AttemptID.String(),
		Gateway:    string(link.GatewayType),
		Reused:     true,
	})
}

// GetPaymentAttempt handles GET /api/v1/payment-attempts/:id
func (h *LinkHandler) GetPaymentAttempt(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid attempt ID",
		})
		return
	}

	attempt, err := h.service.GetAttempt(c.Request.Context(), attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error: "Payment attempt not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "Failed to load payment attempt",
		})
		return
	}

	c.JSON(http.StatusOK, attempt)
}
