package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLog is one structured access-log entry for a payment request
type RequestLog struct {
	Timestamp  time.Time         `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	StatusCode int               `json:"statusCode"`
	Duration   time.Duration     `json:"duration"`
	ClientIP   string            `json:"clientIp"`
	UserAgent  string            `json:"userAgent"`
	Action     string            `json:"action,omitempty"`
	Success    bool              `json:"success"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RequestAudit logs every request on the payment surfaces. Webhook bodies
// are never logged; they can carry customer contact details and the raw
// payload is already persisted on the delivery record.
func RequestAudit(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var requestBody []byte
		if c.Request.Method == "POST" && !strings.HasPrefix(c.Request.URL.Path, "/webhooks/") {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		c.Next()

		entry := &RequestLog{
			Timestamp:  start,
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			StatusCode: c.Writer.Status(),
			Duration:   time.Since(start),
			ClientIP:   c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Action:     requestAction(c),
			Success:    c.Writer.Status() < 400,
			Metadata:   extractLinkMetadata(c, requestBody),
		}

		logger.WithFields(logrus.Fields{
			"audit":      true,
			"method":     entry.Method,
			"path":       entry.Path,
			"statusCode": entry.StatusCode,
			"durationMs": entry.Duration.Milliseconds(),
			"clientIp":   entry.ClientIP,
			"action":     entry.Action,
			"success":    entry.Success,
			"metadata":   entry.Metadata,
		}).Info("Request handled")
	}
}

// requestAction maps the request to a named action
func requestAction(c *gin.Context) string {
	path := c.Request.URL.Path
	switch {
	case path == "/api/v1/payment-links":
		return "create_payment_link"
	case strings.HasPrefix(path, "/api/v1/quotes/") && strings.HasSuffix(path, "/payment-link"):
		return "get_payment_link"
	case strings.HasPrefix(path, "/api/v1/payment-attempts/"):
		return "get_payment_attempt"
	case strings.HasPrefix(path, "/webhooks/"):
		return "webhook_received"
	default:
		return ""
	}
}

// extractLinkMetadata pulls amount/gateway context from a link creation body
func extractLinkMetadata(c *gin.Context, body []byte) map[string]string {
	if c.Request.URL.Path != "/api/v1/payment-links" || len(body) == 0 {
		return nil
	}
	var req struct {
		QuoteID     string `json:"quoteId"`
		GatewayType string `json:"gatewayType"`
		Currency    string `json:"currency"`
	}
	if json.Unmarshal(body, &req) != nil {
		return nil
	}
	return map[string]string{
		"quote_id": req.QuoteID,
		"gateway":  req.GatewayType,
		"currency": req.Currency,
	}
}
