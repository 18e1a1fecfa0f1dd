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

	"quote-payments-service/internal/events"
	"quote-payments-service/internal/gateway"
	"quote-payments-service/internal/models"
	"quote-payments-service/internal/repository"
)

// Link service errors
var (
	ErrQuoteNotFound   = errors.New("quote not found")
	ErrQuoteNotPayable = errors.New("quote is not in a payable status")
	ErrAmountMismatch  = errors.New("requested amount does not match quote amount")
)

// LinkError carries the attempt id of a failed creation so callers can hand
// out a support reference without leaking gateway internals.
type LinkError struct {
	AttemptID uuid.UUID
	Code      gateway.ErrorCode
	Message   string
	Retryable bool
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("payment link creation failed (%s): %s", e.Code, e.Message)
}

// LinkService runs the payment-link creation saga. Each step persists before
// the next begins so a crash at any point leaves a durable, inspectable
// attempt record rather than an inconsistent one.
type LinkService struct {
	repo        *repository.PaymentRepository
	alerts      *events.AlertPublisher
	logger      *logrus.Logger
	callTimeout time.Duration
	linkTTL     time.Duration

	// newGateway is swapped in tests for a fake adapter.
	newGateway func(*models.GatewayConfig) (gateway.PaymentGateway, error)
}

// NewLinkService creates a new link service
func NewLinkService(repo *repository.PaymentRepository, alerts *events.AlertPublisher, logger *logrus.Logger, callTimeout, linkTTL time.Duration) *LinkService {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if linkTTL <= 0 {
		linkTTL = 24 * time.Hour
	}
	return &LinkService{
		repo:        repo,
		alerts:      alerts,
		logger:      logger,
		callTimeout: callTimeout,
		linkTTL:     linkTTL,
		newGateway:  gateway.NewGateway,
	}
}

// CreatePaymentLink creates a hosted payment link for a quote. Repeat calls
// for a quote that already has an active link return that link unchanged.
//
// The saga: insert a PENDING attempt, call the gateway, persist the external
// artifact as EXTERNAL_CREATED, then write the caller-facing link and settle
// at DB_RECORDED. A gateway rejection ends at FAILED; a persistence failure
// after the gateway accepted ends at ORPHANED; a timeout leaves the attempt
// PENDING for the background sweep, because the outcome is unknown.
func (s *LinkService) CreatePaymentLink(ctx context.Context, req *models.CreatePaymentLinkRequest) (*models.PaymentLinkResponse, error) {
	gatewayType, err := gateway.ParseGatewayType(req.GatewayType)
	if err != nil {
		return nil, err
	}
	quoteID, err := uuid.Parse(req.QuoteID)
	if err != nil {
		return nil, ErrQuoteNotFound
	}

	quote, err := s.repo.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("failed to load quote: %w", err)
	}
	if quote.Status != models.QuoteApproved && quote.Status != models.QuoteSent {
		return nil, ErrQuoteNotPayable
	}
	if req.AmountMinor != quote.AmountMinor {
		return nil, ErrAmountMismatch
	}

	// Idempotent fast path: an active link for this quote is returned as-is.
	now := time.Now()
	if existing, err := s.repo.GetActivePaymentLinkByQuote(ctx, quoteID, now); err == nil {
		return &models.PaymentLinkResponse{
			LinkCode:   existing.LinkCode,
			PaymentURL: existing.PaymentURL,
			ExpiresAt:  existing.ExpiresAt,
			AttemptID:  existing.AttemptID.String(),
			Gateway:    string(existing.GatewayType),
			Reused:     true,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing links: %w", err)
	}

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

	// Step 1: durable PENDING record before any external call.
	attempt := &models.PaymentAttempt{
		ID:            uuid.New(),
		AttemptCode:   newOpaqueCode("att"),
		QuoteID:       quoteID,
		GatewayType:   gatewayType,
		AmountMinor:   req.AmountMinor,
		Currency:      strings.ToUpper(req.Currency),
		PaymentState:  models.AttemptPending,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		CustomerName:  req.CustomerName,
	}
	if err := s.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record payment attempt: %w", err)
	}
	s.audit(ctx, "attempt_created", attempt.ID.String(), gatewayType, models.JSONB{
		"quoteId": quoteID.String(), "amountMinor": req.AmountMinor, "currency": attempt.Currency,
	})

	// Step 2: external call under the configured timeout.
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Payment for quote %s", quote.QuoteNumber)
	}
	expireAt := now.Add(s.linkTTL)
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	result, callErr := gw.CreatePaymentArtifact(callCtx, &gateway.CreateArtifactRequest{
		ReferenceID:   attempt.AttemptCode,
		QuoteID:       quoteID.String(),
		AmountMinor:   req.AmountMinor,
		Currency:      attempt.Currency,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		CustomerName:  req.CustomerName,
		Description:   description,
		ExpireAt:      expireAt,
	})
	cancel()
	if callErr != nil {
		gwErr := gateway.WrapError(gatewayType, callErr)
		if gwErr.Code == gateway.ErrGatewayTimeout {
			// Unknown outcome: the artifact may exist on the gateway side.
			// The attempt stays PENDING and the sweep reports it.
			s.logger.WithFields(logrus.Fields{
				"attemptId": attempt.ID,
				"gateway":   gatewayType,
			}).Warn("Gateway call timed out, attempt left pending")
			s.audit(ctx, "attempt_timeout", attempt.ID.String(), gatewayType, models.JSONB{"error": gwErr.Message})
			return nil, &LinkError{AttemptID: attempt.ID, Code: gwErr.Code, Message: gwErr.Message, Retryable: true}
		}

		attempt.FailureCode = string(gwErr.Code)
		attempt.FailureMessage = gwErr.Message
		if err := s.setAttemptState(ctx, attempt, models.AttemptFailed); err != nil {
			s.logger.WithError(err).WithField("attemptId", attempt.ID).Error("Failed to record attempt failure")
		}
		s.audit(ctx, "attempt_failed", attempt.ID.String(), gatewayType, models.JSONB{
			"code": string(gwErr.Code), "error": gwErr.Message,
		})
		return nil, &LinkError{AttemptID: attempt.ID, Code: gwErr.Code, Message: gwErr.Message, Retryable: gwErr.Retryable}
	}

	// Step 3: persist the external artifact. Failing here means a live
	// artifact exists with no usable local record, which is the one state
	// that needs a human: mark ORPHANED and raise an alert.
	attempt.ExternalReference = result.ExternalReference
	attempt.PaymentURL = result.PaymentURL
	attempt.RawResponse = result.RawResponse
	attempt.WireVariant = result.Variant
	if err := s.setAttemptState(ctx, attempt, models.AttemptExternalCreated); err != nil {
		return nil, s.orphan(ctx, attempt, fmt.Sprintf("failed to persist external artifact: %v", err))
	}
	s.audit(ctx, "external_created", attempt.ID.String(), gatewayType, models.JSONB{
		"externalReference": result.ExternalReference, "variant": string(result.Variant),
	})

	// Step 4: caller-facing link, then settle the saga.
	linkExpiry := result.ExpiresAt
	if linkExpiry.IsZero() {
		linkExpiry = expireAt
	}
	link := &models.PaymentLink{
		ID:          uuid.New(),
		QuoteID:     quoteID,
		AttemptID:   attempt.ID,
		LinkCode:    newOpaqueCode("plk"),
		GatewayType: gatewayType,
		PaymentURL:  result.PaymentURL,
		AmountMinor: req.AmountMinor,
		Currency:    attempt.Currency,
		ExpiresAt:   linkExpiry,
	}
	if err := s.repo.CreatePaymentLink(ctx, link); err != nil {
		return nil, s.orphan(ctx, attempt, fmt.Sprintf("failed to record payment link: %v", err))
	}

	if err := s.setAttemptState(ctx, attempt, models.AttemptDBRecorded); err != nil {
		// The link row exists and is usable; log and carry on.
		s.logger.WithError(err).WithField("attemptId", attempt.ID).Error("Failed to settle attempt at db_recorded")
	}
	s.audit(ctx, "db_recorded", attempt.ID.String(), gatewayType, models.JSONB{"linkCode": link.LinkCode})

	return &models.PaymentLinkResponse{
		LinkCode:   link.LinkCode,
		PaymentURL: link.PaymentURL,
		ExpiresAt:  link.ExpiresAt,
		AttemptID:  attempt.ID.String(),
		Gateway:    string(gatewayType),
	}, nil
}

// GetActiveLinkForQuote returns the newest unexpired link for a quote.
func (s *LinkService) GetActiveLinkForQuote(ctx context.Context, quoteID uuid.UUID) (*models.PaymentLink, error) {
	return s.repo.GetActivePaymentLinkByQuote(ctx, quoteID, time.Now())
}

// GetAttempt returns a payment attempt by id.
func (s *LinkService) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*models.PaymentAttempt, error) {
	return s.repo.GetPaymentAttempt(ctx, attemptID)
}

// orphan marks an attempt ORPHANED after the gateway accepted the request
// but a local write failed, and raises an operator alert.
func (s *LinkService) orphan(ctx context.Context, attempt *models.PaymentAttempt, reason string) error {
	s.logger.WithFields(logrus.Fields{
		"attemptId":         attempt.ID,
		"gateway":           attempt.GatewayType,
		"externalReference": attempt.ExternalReference,
		"reason":            reason,
	}).Error("Payment attempt orphaned: external artifact exists without a local record")

	attempt.FailureMessage = reason
	if err := s.setAttemptState(ctx, attempt, models.AttemptOrphaned); err != nil {
		// Best effort; the audit row and the alert still carry the trail.
		s.logger.WithError(err).WithField("attemptId", attempt.ID).Error("Failed to mark attempt orphaned")
	}
	s.audit(ctx, "attempt_orphaned", attempt.ID.String(), attempt.GatewayType, models.JSONB{
		"externalReference": attempt.ExternalReference, "reason": reason,
	})
	if s.alerts != nil {
		s.alerts.Publish(events.SubjectAttemptOrphaned, events.Alert{
			Gateway: string(attempt.GatewayType),
			RefID:   attempt.ID.String(),
			QuoteID: attempt.QuoteID.String(),
			Detail:  reason,
		})
	}
	return &LinkError{AttemptID: attempt.ID, Code: gateway.ErrPaymentProcessingFailed, Message: reason}
}

// setAttemptState persists a saga transition, refusing any move the attempt
// state machine does not allow.
func (s *LinkService) setAttemptState(ctx context.Context, attempt *models.PaymentAttempt, next models.PaymentState) error {
	if !attempt.PaymentState.CanTransitionTo(next) {
		return fmt.Errorf("illegal payment state transition %s -> %s", attempt.PaymentState, next)
	}
	attempt.PaymentState = next
	return s.repo.UpdatePaymentAttempt(ctx, attempt)
}

func (s *LinkService) audit(ctx context.Context, kind, refID string, gatewayType models.GatewayType, detail models.JSONB) {
	entry := &models.AuditEntry{
		ID:      uuid.New(),
		Kind:    kind,
		RefID:   refID,
		Gateway: string(gatewayType),
		Detail:  detail,
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("kind", kind).Error("Failed to append audit entry")
	}
}

// newOpaqueCode builds a short URL-safe identifier with a type prefix.
func newOpaqueCode(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
