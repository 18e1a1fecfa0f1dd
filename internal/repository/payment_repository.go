package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quote-payments-service/internal/models"
)

// PaymentRepository handles payment data operations
type PaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// WithTx returns a repository bound to the given transaction handle.
func (r *PaymentRepository) WithTx(tx *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: tx}
}

// Transaction runs fn inside a database transaction.
func (r *PaymentRepository) Transaction(ctx context.Context, fn func(txRepo *PaymentRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTx(tx))
	})
}

// ==================== Gateway Config Methods ====================

// GetGatewayConfigByType gets the enabled configuration for a gateway
func (r *PaymentRepository) GetGatewayConfigByType(ctx context.Context, gatewayType models.GatewayType) (*models.GatewayConfig, error) {
	var config models.GatewayConfig
	err := r.db.WithContext(ctx).Where("gateway_type = ? AND is_enabled = true", gatewayType).First(&config).Error
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// ListGatewayConfigs lists all gateway configurations
func (r *PaymentRepository) ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfig, error) {
	var configs []models.GatewayConfig
	err := r.db.WithContext(ctx).Order("gateway_type ASC").Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// CreateGatewayConfig creates a new gateway configuration
func (r *PaymentRepository) CreateGatewayConfig(ctx context.Context, config *models.GatewayConfig) error {
	return r.db.WithContext(ctx).Create(config).Error
}

// UpdateGatewayConfig updates a gateway configuration
func (r *PaymentRepository) UpdateGatewayConfig(ctx context.Context, config *models.GatewayConfig) error {
	config.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(config).Error
}

// ==================== Payment Attempt Methods ====================

// CreatePaymentAttempt creates a new payment attempt
func (r *PaymentRepository) CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

// GetPaymentAttempt gets a payment attempt by ID
func (r *PaymentRepository) GetPaymentAttempt(ctx context.Context, attemptID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).First(&attempt, "id = ?", attemptID).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetPaymentAttemptByExternalRef gets a payment attempt by the gateway's
// artifact reference
func (r *PaymentRepository) GetPaymentAttemptByExternalRef(ctx context.Context, gatewayType models.GatewayType, externalRef string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).Where("gateway_type = ? AND external_reference = ?", gatewayType, externalRef).First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetLatestAttemptByQuote gets the most recent payment attempt for a quote
func (r *PaymentRepository) GetLatestAttemptByQuote(ctx context.Context, quoteID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).Where("quote_id = ?", quoteID).Order("created_at DESC").First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// UpdatePaymentAttempt updates a payment attempt
func (r *PaymentRepository) UpdatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	attempt.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(attempt).Error
}

// ListStalePendingAttempts lists attempts stuck in PENDING for longer than
// the given age. These are the attempts whose external call timed out with
// an unknown outcome; the sweep reports them for reconciliation.
func (r *PaymentRepository) ListStalePendingAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("payment_state = ? AND created_at < ?", models.AttemptPending, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// ==================== Payment Link Methods ====================

// CreatePaymentLink creates a new payment link record
func (r *PaymentRepository) CreatePaymentLink(ctx context.Context, link *models.PaymentLink) error {
	return r.db.WithContext(ctx).Create(link).Error
}

// GetActivePaymentLinkByQuote gets the newest unexpired link for a quote.
// Returns gorm.ErrRecordNotFound when none exists.
func (r *PaymentRepository) GetActivePaymentLinkByQuote(ctx context.Context, quoteID uuid.UUID, now time.Time) (*models.PaymentLink, error) {
	var link models.PaymentLink
	err := r.db.WithContext(ctx).
		Where("quote_id = ? AND expires_at > ?", quoteID, now).
		Order("created_at DESC").
		First(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetPaymentLinkByCode gets a payment link by its public code
func (r *PaymentRepository) GetPaymentLinkByCode(ctx context.Context, linkCode string) (*models.PaymentLink, error) {
	var link models.PaymentLink
	err := r.db.WithContext(ctx).Where("link_code = ?", linkCode).First(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// ==================== Webhook Delivery Methods ====================

// InsertWebhookDelivery inserts a ledger row for an inbound event. The unique
// (gateway_type, event_id) index is the sole mutual exclusion between
// concurrent deliveries of the same event: the insert either claims the event
// or silently does nothing. Returns false when the event was already claimed.
func (r *PaymentRepository) InsertWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_type"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(delivery)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateWebhookDelivery updates a webhook delivery record
func (r *PaymentRepository) UpdateWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	delivery.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(delivery).Error
}

// GetWebhookDelivery gets a delivery by gateway event ID
func (r *PaymentRepository) GetWebhookDelivery(ctx context.Context, gatewayType models.GatewayType, eventID string) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	err := r.db.WithContext(ctx).Where("gateway_type = ? AND event_id = ?", gatewayType, eventID).First(&delivery).Error
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

// ==================== Refund Methods ====================

// UpsertRefund inserts a refund record keyed by the gateway's refund id.
// Redelivered refund events update the existing row instead of duplicating it.
func (r *PaymentRepository) UpsertRefund(ctx context.Context, refund *models.Refund) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_refund_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "amount_minor", "failure_message", "updated_at"}),
		}).
		Create(refund).Error
}

// SumSucceededRefunds totals the succeeded refund amounts for an attempt
func (r *PaymentRepository) SumSucceededRefunds(ctx context.Context, attemptID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Refund{}).
		Where("attempt_id = ? AND status = ?", attemptID, models.RefundSucceeded).
		Select("COALESCE(SUM(amount_minor), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListRefundsByAttempt lists all refunds for a payment attempt
func (r *PaymentRepository) ListRefundsByAttempt(ctx context.Context, attemptID uuid.UUID) ([]models.Refund, error) {
	var refunds []models.Refund
	err := r.db.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("created_at DESC").Find(&refunds).Error
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

// ==================== Dispute Methods ====================

// UpsertDispute inserts a dispute record keyed by the gateway's dispute id
func (r *PaymentRepository) UpsertDispute(ctx context.Context, dispute *models.Dispute) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_dispute_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "reason", "respond_by", "updated_at"}),
		}).
		Create(dispute).Error
}

// GetDisputeByGatewayID gets a dispute by the gateway's dispute id
func (r *PaymentRepository) GetDisputeByGatewayID(ctx context.Context, gatewayDisputeID string) (*models.Dispute, error) {
	var dispute models.Dispute
	err := r.db.WithContext(ctx).Where("gateway_dispute_id = ?", gatewayDisputeID).First(&dispute).Error
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// ==================== Quote Methods ====================

// GetQuote gets a quote by ID
func (r *PaymentRepository) GetQuote(ctx context.Context, quoteID uuid.UUID) (*models.Quote, error) {
	var quote models.Quote
	err := r.db.WithContext(ctx).First(&quote, "id = ?", quoteID).Error
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// TransitionQuoteStatus performs a precondition-guarded status change: the
// update applies only while the quote is still in one of the allowed states.
// Returns false without error when the precondition no longer holds, which
// callers treat as an idempotent no-op.
func (r *PaymentRepository) TransitionQuoteStatus(ctx context.Context, quoteID uuid.UUID, from []models.QuoteStatus, to models.QuoteStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Quote{}).
		Where("id = ? AND status IN ?", quoteID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ==================== Audit Methods ====================

// AppendAudit appends an entry to the payment audit log
func (r *PaymentRepository) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}
