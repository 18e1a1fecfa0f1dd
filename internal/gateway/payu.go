package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quote-payments-service/internal/models"
	"quote-payments-service/internal/signature"
)

const (
	payuModernBaseURL = "https://api.payu.in"
	payuLegacyBaseURL = "https://secure.payu.in"
	payuTestBaseURL   = "https://test.payu.in"
)

// PayUGateway implements the PaymentGateway interface for PayU, the
// link-based provider. PayU exposes two wire variants: a modern JSON
// payment-links API and the legacy form-encoded _payment API authenticated
// by a precomputed SHA-512 hash. The adapter tries the modern variant first
// and falls back to legacy on a non-success response. A timeout never
// triggers the fallback: the modern request may have gone through, and a
// retry could leave two live artifacts for one attempt.
type PayUGateway struct {
	modern *payuModernAPI
	legacy *payuLegacyAPI
}

// NewPayUGateway creates a new PayU gateway instance
func NewPayUGateway(config *models.GatewayConfig) (*PayUGateway, error) {
	if config.APIKeyPublic == "" || config.APIKeySecret == "" {
		return nil, &GatewayError{
			Gateway: models.GatewayPayU,
			Code:    ErrGatewayConfiguration,
			Message: "payu merchant key and salt are required",
		}
	}

	modernBase := payuModernBaseURL
	legacyBase := payuLegacyBaseURL
	if config.IsTestMode {
		modernBase = payuTestBaseURL
		legacyBase = payuTestBaseURL
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	return &PayUGateway{
		modern: &payuModernAPI{
			merchantKey: config.APIKeyPublic,
			salt:        config.APIKeySecret,
			baseURL:     modernBase,
			httpClient:  httpClient,
		},
		legacy: &payuLegacyAPI{
			merchantKey: config.APIKeyPublic,
			salt:        config.APIKeySecret,
			baseURL:     legacyBase,
			httpClient:  httpClient,
		},
	}, nil
}

// Type returns the gateway type
func (g *PayUGateway) Type() models.GatewayType {
	return models.GatewayPayU
}

// CreatePaymentArtifact tries the modern payment-links API first and falls
// back to the legacy _payment API when the modern call is rejected.
func (g *PayUGateway) CreatePaymentArtifact(ctx context.Context, req *CreateArtifactRequest) (*ArtifactResult, error) {
	result, err := g.modern.createLink(ctx, req)
	if err == nil {
		return result, nil
	}

	gwErr := WrapError(models.GatewayPayU, err)
	if gwErr.Code == ErrGatewayTimeout {
		// Unknown outcome: the modern artifact may exist. Propagate so
		// the caller leaves the attempt pending for the sweep.
		return nil, gwErr
	}

	result, legacyErr := g.legacy.createLink(ctx, req)
	if legacyErr != nil {
		return nil, WrapError(models.GatewayPayU, legacyErr)
	}
	return result, nil
}

// VerifyWebhook accepts either proof PayU offers: the X-Payu-Signature
// header (plain HMAC-SHA256 over the raw body) or, for legacy-variant
// callbacks that carry no header HMAC, the reverse SHA-512 hash embedded in
// the payload, computed with the webhook secret as the salt.
func (g *PayUGateway) VerifyWebhook(body []byte, signatureHeader, secret string) bool {
	if signature.VerifyPlain(body, signatureHeader, secret) {
		return true
	}

	var note payuNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return false
	}
	udf := [5]string{note.UDF1, "", "", "", ""}
	return signature.VerifyPayUResponseHash(note.Hash, secret, note.Status, note.Key,
		note.TxnID, note.Amount, note.ProductInfo, note.FirstName, note.Email, udf)
}

// payuNotification is PayU's webhook payload. PayU has no event-type field;
// the status field carries the outcome.
type payuNotification struct {
	MihPayID     string `json:"mihpayid"`
	TxnID        string `json:"txnid"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ProductInfo  string `json:"productinfo"`
	FirstName    string `json:"firstname"`
	Email        string `json:"email"`
	Key          string `json:"key"`
	Hash         string `json:"hash"`
	UDF1         string `json:"udf1"` // carries the quote id
	RefundID     string `json:"request_id"`
	ErrorMessage string `json:"error_Message"`
}

// ParseWebhookEvent normalizes a PayU notification. The ledger key combines
// the provider payment id with the reported status, which is what PayU
// redelivers verbatim on retry.
func (g *PayUGateway) ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var note payuNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("failed to parse payu notification: %w", err)
	}
	if note.MihPayID == "" {
		return nil, fmt.Errorf("payu notification missing mihpayid")
	}

	currency := strings.ToUpper(note.Currency)
	if currency == "" {
		currency = "INR"
	}

	evt := &WebhookEvent{
		EventID:     fmt.Sprintf("%s:%s", note.MihPayID, strings.ToLower(note.Status)),
		RawType:     note.Status,
		GatewayType: models.GatewayPayU,
		QuoteRef:    note.UDF1,
		PaymentRef:  note.TxnID,
		AmountMinor: payuAmountToMinor(note.Amount),
		Currency:    currency,
		Reason:      note.ErrorMessage,
	}

	switch strings.ToLower(note.Status) {
	case "success", "captured":
		evt.Kind = KindPaymentSucceeded
	case "failure", "failed":
		evt.Kind = KindPaymentFailed
	case "usercancelled", "cancelled":
		evt.Kind = KindPaymentCancelled
	case "refund", "refundsuccess":
		evt.Kind = KindRefundSucceeded
		evt.RefundID = note.RefundID
		if evt.RefundID == "" {
			evt.RefundID = note.MihPayID
		}
	case "refundfailed":
		evt.Kind = KindRefundFailed
		evt.RefundID = note.RefundID
	case "dispute", "chargeback":
		evt.Kind = KindDisputeCreated
		evt.DisputeID = note.MihPayID
	default:
		evt.Kind = KindUnknown
	}

	return evt, nil
}

// payuModernAPI is the JSON payment-links variant.
type payuModernAPI struct {
	merchantKey string
	salt        string
	baseURL     string
	httpClient  *http.Client
}

func (a *payuModernAPI) createLink(ctx context.Context, req *CreateArtifactRequest) (*ArtifactResult, error) {
	payload := map[string]interface{}{
		"invoiceNumber": req.ReferenceID,
		"subAmount":     payuMinorToAmount(req.AmountMinor),
		"currency":      strings.ToUpper(req.Currency),
		"description":   req.Description,
		"source":        "API",
		"customer": map[string]string{
			"name":  req.CustomerName,
			"email": req.CustomerEmail,
			"phone": req.CustomerPhone,
		},
		"udf": map[string]string{
			"udf1": req.QuoteID,
		},
	}
	if !req.ExpireAt.IsZero() {
		payload["expiryDate"] = req.ExpireAt.UTC().Format("2006-01-02 15:04:05")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/payment-links", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("merchantId", a.merchantKey)
	httpReq.Header.Set("Authorization", "Bearer "+a.salt)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("payu API error: %s - %s", resp.Status, string(respBody))
	}

	var linkResp struct {
		Status int `json:"status"`
		Result struct {
			PaymentLinkID string `json:"paymentLinkId"`
			PaymentLink   string `json:"paymentLink"`
			ExpiryDate    string `json:"expiryDate"`
		} `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &linkResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if linkResp.Result.PaymentLink == "" {
		return nil, fmt.Errorf("payu link rejected: %s", linkResp.Message)
	}

	result := &ArtifactResult{
		ExternalReference: linkResp.Result.PaymentLinkID,
		PaymentURL:        linkResp.Result.PaymentLink,
		RawResponse:       string(respBody),
		Variant:           models.VariantModern,
	}
	if linkResp.Result.ExpiryDate != "" {
		if exp, err := time.Parse("2006-01-02 15:04:05", linkResp.Result.ExpiryDate); err == nil {
			result.ExpiresAt = exp
		}
	}
	return result, nil
}

// payuLegacyAPI is the form-encoded _payment variant authenticated by the
// pipe-delimited SHA-512 request hash.
type payuLegacyAPI struct {
	merchantKey string
	salt        string
	baseURL     string
	httpClient  *http.Client
}

func (a *payuLegacyAPI) createLink(ctx context.Context, req *CreateArtifactRequest) (*ArtifactResult, error) {
	amount := payuMinorToAmount(req.AmountMinor)
	udf := [5]string{req.QuoteID, "", "", "", ""}
	hash := signature.PayURequestHash(a.merchantKey, req.ReferenceID, amount, req.Description, req.CustomerName, req.CustomerEmail, udf, a.salt)

	form := url.Values{}
	form.Set("key", a.merchantKey)
	form.Set("txnid", req.ReferenceID)
	form.Set("amount", amount)
	form.Set("productinfo", req.Description)
	form.Set("firstname", req.CustomerName)
	form.Set("email", req.CustomerEmail)
	form.Set("phone", req.CustomerPhone)
	form.Set("udf1", req.QuoteID)
	form.Set("hash", hash)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/_payment", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payu legacy API error: %s - %s", resp.Status, string(respBody))
	}

	var legacyResp struct {
		Status     string `json:"status"`
		PaymentURL string `json:"payment_url"`
		TxnID      string `json:"txnid"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &legacyResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !strings.EqualFold(legacyResp.Status, "success") || legacyResp.PaymentURL == "" {
		return nil, errors.New("payu legacy rejected: " + legacyResp.Message)
	}

	return &ArtifactResult{
		ExternalReference: legacyResp.TxnID,
		PaymentURL:        legacyResp.PaymentURL,
		RawResponse:       string(respBody),
		Variant:           models.VariantLegacy,
	}, nil
}

// payuMinorToAmount formats minor units as the whole-unit decimal string
// PayU expects ("10000" paise becomes "100.00").
func payuMinorToAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

// payuAmountToMinor parses PayU's decimal amount string back to minor units.
func payuAmountToMinor(amount string) int64 {
	if amount == "" {
		return 0
	}
	value, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0
	}
	return int64(value*100 + 0.5)
}
