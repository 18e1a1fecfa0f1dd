package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"quote-payments-service/internal/cache"
	"quote-payments-service/internal/events"
	"quote-payments-service/internal/gateway"
	"quote-payments-service/internal/models"
	"quote-payments-service/internal/repository"
)

// Webhook processing errors
var (
	ErrSignatureRejected = errors.New("webhook signature verification failed")
	ErrMalformedPayload  = errors.New("webhook payload could not be parsed")
)

// WebhookService verifies, deduplicates, and dispatches inbound gateway
// events. The webhook delivery ledger's unique (gateway, event_id) index is
// the only mutual exclusion between concurrent deliveries of the same event;
// the Redis replay guard in front of it is purely a fast path.
type WebhookService struct {
	repo   *repository.PaymentRepository
	replay *cache.ReplayGuard
	alerts *events.AlertPublisher
	logger *logrus.Logger

	// newGateway is swapped in tests for a fake adapter.
	newGateway func(*models.GatewayConfig) (gateway.PaymentGateway, error)
}

// NewWebhookService creates a new webhook service
func NewWebhookService(repo *repository.PaymentRepository, replay *cache.ReplayGuard, alerts *events.AlertPublisher, logger *logrus.Logger) *WebhookService {
	return &WebhookService{
		repo:       repo,
		replay:     replay,
		alerts:     alerts,
		logger:     logger,
		newGateway: gateway.NewGateway,
	}
}

// ProcessWebhook runs the inbound pipeline for one delivery: verify the
// signature against the exact raw bytes, parse into the tagged event form,
// claim the event in the ledger, then dispatch inside a transaction. A
// duplicate claim acknowledges without reprocessing. A handler failure marks
// the delivery FAILED and surfaces an error so the gateway redelivers; the
// redelivery re-claims the FAILED row and retries.
func (s *WebhookService) ProcessWebhook(ctx context.Context, gatewayType models.GatewayType, body []byte, signatureHeader string) (*models.WebhookAck, error) {
	config, err := s.repo.GetGatewayConfigByType(ctx, gatewayType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrGatewayNotConfigured
		}
		return nil, fmt.Errorf("failed to load gateway config: %w", err)
	}
	gw, err := s.newGateway(config)
	if err != nil {
		return nil, err
	}

	if !gw.VerifyWebhook(body, signatureHeader, config.WebhookSecret()) {
		s.logger.WithField("gateway", gatewayType).Warn("Webhook signature rejected")
		return nil, ErrSignatureRejected
	}

	evt, err := gw.ParseWebhookEvent(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"gateway":   gatewayType,
		"eventId":   evt.EventID,
		"eventType": evt.RawType,
	})

	// Unrecognized event types are acknowledged so the gateway stops
	// redelivering them; nothing is dispatched.
	if evt.Kind == gateway.KindUnknown {
		log.Info("Ignoring unrecognized webhook event type")
		return &models.WebhookAck{Received: true, EventID: evt.EventID}, nil
	}

	if s.replay != nil && s.replay.Seen(ctx, gatewayType, evt.EventID) {
		log.Debug("Webhook replay short-circuited by cache")
		return &models.WebhookAck{Received: true, Duplicate: true, EventID: evt.EventID}, nil
	}

	delivery := &models.WebhookDelivery{
		ID:          uuid.New(),
		GatewayType: gatewayType,
		EventID:     evt.EventID,
		EventType:   evt.RawType,
		Status:      models.DeliveryProcessing,
		PayloadSize: len(body),
		PaymentRef:  evt.PaymentRef,
		QuoteRef:    evt.QuoteRef,
	}
	claimed, err := s.repo.InsertWebhookDelivery(ctx, delivery)
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if !claimed {
		existing, err := s.repo.GetWebhookDelivery(ctx, gatewayType, evt.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to load claimed webhook event: %w", err)
		}
		if existing.Status != models.DeliveryFailed {
			if s.replay != nil {
				s.replay.Mark(ctx, gatewayType, evt.EventID)
			}
			log.Info("Duplicate webhook delivery acknowledged")
			return &models.WebhookAck{Received: true, Duplicate: true, EventID: evt.EventID}, nil
		}
		// Redelivery of an event whose processing failed: retry on the
		// same ledger row.
		delivery = existing
		delivery.Status = models.DeliveryProcessing
		delivery.ProcessingError = ""
		if err := s.repo.UpdateWebhookDelivery(ctx, delivery); err != nil {
			return nil, fmt.Errorf("failed to re-claim webhook event: %w", err)
		}
		log.Info("Retrying previously failed webhook delivery")
	}

	// Dispatch on a context detached from the request so a client
	// disconnect cannot abort the transaction halfway.
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	dispatchErr := s.repo.Transaction(dispatchCtx, func(txRepo *repository.PaymentRepository) error {
		return s.dispatch(dispatchCtx, txRepo, evt)
	})

	now := time.Now()
	if dispatchErr != nil {
		delivery.Status = models.DeliveryFailed
		delivery.ProcessingError = dispatchErr.Error()
		if err := s.repo.UpdateWebhookDelivery(dispatchCtx, delivery); err != nil {
			log.WithError(err).Error("Failed to record webhook processing failure")
		}
		log.WithError(dispatchErr).Error("Webhook event processing failed")
		return nil, dispatchErr
	}

	delivery.Status = models.DeliveryCompleted
	delivery.ProcessedAt = &now
	if err := s.repo.UpdateWebhookDelivery(dispatchCtx, delivery); err != nil {
		log.WithError(err).Error("Failed to record webhook completion")
	}
	if s.replay != nil {
		s.replay.Mark(dispatchCtx, gatewayType, evt.EventID)
	}
	log.Info("Webhook event processed")
	return &models.WebhookAck{Received: true, EventID: evt.EventID}, nil
}

// dispatch routes a claimed event to its handler. The switch is exhaustive
// over the event kinds; KindUnknown never reaches here.
func (s *WebhookService) dispatch(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	switch evt.Kind {
	case gateway.KindPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, repo, evt)
	case gateway.KindPaymentFailed, gateway.KindPaymentCancelled:
		return s.handlePaymentNotCompleted(ctx, repo, evt)
	case gateway.KindRefundSucceeded:
		return s.handleRefundSucceeded(ctx, repo, evt)
	case gateway.KindRefundFailed:
		return s.handleRefundFailed(ctx, repo, evt)
	case gateway.KindDisputeCreated:
		return s.handleDisputeCreated(ctx, repo, evt)
	case gateway.KindDisputeUpdated:
		return s.handleDisputeUpdated(ctx, repo, evt)
	case gateway.KindUnknown:
		return nil
	default:
		return fmt.Errorf("unhandled event kind %q", evt.Kind)
	}
}

// findAttempt correlates an event to its payment attempt, first by the
// gateway's artifact reference, then by the quote id carried in event
// metadata. A nil attempt with a nil error means the event is genuinely
// uncorrelated; a storage error is returned as-is so the delivery fails and
// the gateway redelivers instead of the event being silently dropped.
func (s *WebhookService) findAttempt(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) (*models.PaymentAttempt, error) {
	if evt.PaymentRef != "" {
		attempt, err := repo.GetPaymentAttemptByExternalRef(ctx, evt.GatewayType, evt.PaymentRef)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to correlate event by external reference: %w", err)
		}
	}
	if evt.QuoteRef != "" {
		if quoteID, err := uuid.Parse(evt.QuoteRef); err == nil {
			attempt, err := repo.GetLatestAttemptByQuote(ctx, quoteID)
			if err == nil {
				return attempt, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("failed to correlate event by quote: %w", err)
			}
		}
	}
	return nil, nil
}

// resolveQuoteID returns the quote an event concerns, preferring the
// correlated attempt's quote over raw event metadata.
func resolveQuoteID(attempt *models.PaymentAttempt, evt *gateway.WebhookEvent) (uuid.UUID, bool) {
	if attempt != nil {
		return attempt.QuoteID, true
	}
	if evt.QuoteRef != "" {
		if quoteID, err := uuid.Parse(evt.QuoteRef); err == nil {
			return quoteID, true
		}
	}
	return uuid.Nil, false
}

func (s *WebhookService) handlePaymentSucceeded(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	attempt, err := s.findAttempt(ctx, repo, evt)
	if err != nil {
		return err
	}
	quoteID, ok := resolveQuoteID(attempt, evt)
	if !ok {
		return fmt.Errorf("payment event %s could not be correlated to a quote", evt.EventID)
	}

	applied, err := repo.TransitionQuoteStatus(ctx, quoteID, []models.QuoteStatus{models.QuoteApproved, models.QuoteSent}, models.QuotePaid)
	if err != nil {
		return fmt.Errorf("failed to mark quote paid: %w", err)
	}
	if !applied {
		// Already paid, or in a state where payment no longer applies.
		// Either way the delivery is done; the ledger prevents reruns.
		s.logger.WithFields(logrus.Fields{"quoteId": quoteID, "eventId": evt.EventID}).
			Info("Quote not transitioned to paid, precondition no longer holds")
	}
	s.auditEvent(ctx, repo, "quote_paid", quoteID.String(), evt, models.JSONB{"applied": applied})
	return nil
}

// handlePaymentNotCompleted compensates a premature paid marking: if the
// quote was already moved to PAID and the gateway now reports the payment
// failed or was cancelled, the quote returns to APPROVED.
func (s *WebhookService) handlePaymentNotCompleted(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	attempt, err := s.findAttempt(ctx, repo, evt)
	if err != nil {
		return err
	}
	quoteID, ok := resolveQuoteID(attempt, evt)
	if !ok {
		// Failure events for attempts this service never recorded are
		// acknowledged without action.
		s.logger.WithField("eventId", evt.EventID).Info("Uncorrelated payment failure event ignored")
		return nil
	}

	applied, err := repo.TransitionQuoteStatus(ctx, quoteID, []models.QuoteStatus{models.QuotePaid}, models.QuoteApproved)
	if err != nil {
		return fmt.Errorf("failed to compensate quote status: %w", err)
	}
	s.auditEvent(ctx, repo, "payment_not_completed", quoteID.String(), evt, models.JSONB{
		"applied": applied, "reason": evt.Reason,
	})
	return nil
}

func (s *WebhookService) handleRefundSucceeded(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	attempt, err := s.findAttempt(ctx, repo, evt)
	if err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("refund event %s could not be correlated to a payment attempt", evt.EventID)
	}

	refund := &models.Refund{
		ID:              uuid.New(),
		AttemptID:       attempt.ID,
		GatewayRefundID: evt.RefundID,
		AmountMinor:     evt.AmountMinor,
		Currency:        evt.Currency,
		Status:          models.RefundSucceeded,
		Reason:          evt.Reason,
	}
	if err := repo.UpsertRefund(ctx, refund); err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}

	// Partial refunds accumulate; the quote flips to REFUNDED only once
	// the succeeded total covers the original amount.
	total, err := repo.SumSucceededRefunds(ctx, attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to total refunds: %w", err)
	}
	applied := false
	if total >= attempt.AmountMinor {
		applied, err = repo.TransitionQuoteStatus(ctx, attempt.QuoteID, []models.QuoteStatus{models.QuotePaid}, models.QuoteRefunded)
		if err != nil {
			return fmt.Errorf("failed to mark quote refunded: %w", err)
		}
	}
	s.auditEvent(ctx, repo, "refund_recorded", attempt.ID.String(), evt, models.JSONB{
		"refundId": evt.RefundID, "amountMinor": evt.AmountMinor, "totalRefunded": total, "quoteRefunded": applied,
	})
	return nil
}

func (s *WebhookService) handleRefundFailed(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	attempt, err := s.findAttempt(ctx, repo, evt)
	if err != nil {
		return err
	}
	if attempt != nil {
		refund := &models.Refund{
			ID:              uuid.New(),
			AttemptID:       attempt.ID,
			GatewayRefundID: evt.RefundID,
			AmountMinor:     evt.AmountMinor,
			Currency:        evt.Currency,
			Status:          models.RefundFailed,
			FailureMessage:  evt.Reason,
		}
		if err := repo.UpsertRefund(ctx, refund); err != nil {
			return fmt.Errorf("failed to record failed refund: %w", err)
		}
		s.auditEvent(ctx, repo, "refund_failed", attempt.ID.String(), evt, models.JSONB{
			"refundId": evt.RefundID, "reason": evt.Reason,
		})
	}
	if s.alerts != nil {
		s.alerts.Publish(events.SubjectRefundFailed, events.Alert{
			Gateway: string(evt.GatewayType),
			RefID:   evt.RefundID,
			Detail:  evt.Reason,
		})
	}
	return nil
}

func (s *WebhookService) handleDisputeCreated(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	attempt, err := s.findAttempt(ctx, repo, evt)
	if err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("dispute event %s could not be correlated to a payment attempt", evt.EventID)
	}

	dispute := &models.Dispute{
		ID:               uuid.New(),
		AttemptID:        attempt.ID,
		GatewayDisputeID: evt.DisputeID,
		AmountMinor:      evt.AmountMinor,
		Currency:         evt.Currency,
		Status:           models.DisputeNeedsResponse,
		Reason:           evt.Reason,
		RespondBy:        evt.RespondBy,
	}
	if err := repo.UpsertDispute(ctx, dispute); err != nil {
		return fmt.Errorf("failed to record dispute: %w", err)
	}
	s.auditEvent(ctx, repo, "dispute_opened", attempt.ID.String(), evt, models.JSONB{
		"disputeId": evt.DisputeID, "reason": evt.Reason,
	})
	if s.alerts != nil {
		s.alerts.Publish(events.SubjectDisputeOpened, events.Alert{
			Gateway: string(evt.GatewayType),
			RefID:   evt.DisputeID,
			QuoteID: attempt.QuoteID.String(),
			Detail:  evt.Reason,
		})
	}
	return nil
}

func (s *WebhookService) handleDisputeUpdated(ctx context.Context, repo *repository.PaymentRepository, evt *gateway.WebhookEvent) error {
	attempt, err := s.findAttempt(ctx, repo, evt)
	if err != nil {
		return err
	}
	if attempt == nil {
		s.logger.WithField("eventId", evt.EventID).Info("Uncorrelated dispute update ignored")
		return nil
	}

	status := models.DisputeUnderReview
	switch strings.ToLower(evt.Reason) {
	case "won":
		status = models.DisputeWon
	case "lost":
		status = models.DisputeLost
	}
	dispute := &models.Dispute{
		ID:               uuid.New(),
		AttemptID:        attempt.ID,
		GatewayDisputeID: evt.DisputeID,
		AmountMinor:      evt.AmountMinor,
		Currency:         evt.Currency,
		Status:           status,
		Reason:           evt.Reason,
		RespondBy:        evt.RespondBy,
	}
	if err := repo.UpsertDispute(ctx, dispute); err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	s.auditEvent(ctx, repo, "dispute_updated", attempt.ID.String(), evt, models.JSONB{
		"disputeId": evt.DisputeID, "status": string(status),
	})
	return nil
}

func (s *WebhookService) auditEvent(ctx context.Context, repo *repository.PaymentRepository, kind, refID string, evt *gateway.WebhookEvent, detail models.JSONB) {
	if detail == nil {
		detail = models.JSONB{}
	}
	detail["eventId"] = evt.EventID
	detail["eventType"] = evt.RawType
	entry := &models.AuditEntry{
		ID:      uuid.New(),
		Kind:    kind,
		RefID:   refID,
		Gateway: string(evt.GatewayType),
		Detail:  detail,
	}
	if err := repo.AppendAudit(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("kind", kind).Error("Failed to append audit entry")
	}
}
