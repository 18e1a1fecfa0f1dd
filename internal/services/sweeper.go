package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"quote-payments-service/internal/events"
	"quote-payments-service/internal/models"
	"quote-payments-service/internal/repository"
)

// PendingSweeper periodically reports payment attempts stuck in PENDING.
// An attempt stays PENDING only when the external call timed out with an
// unknown outcome, so each stale one may have a live artifact on the
// gateway side and needs manual reconciliation. The sweep never changes
// attempt state; it raises the flag.
type PendingSweeper struct {
	repo     *repository.PaymentRepository
	alerts   *events.AlertPublisher
	logger   *logrus.Logger
	interval time.Duration
	maxAge   time.Duration
}

// NewPendingSweeper creates a new sweeper
func NewPendingSweeper(repo *repository.PaymentRepository, alerts *events.AlertPublisher, logger *logrus.Logger, interval, maxAge time.Duration) *PendingSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &PendingSweeper{
		repo:     repo,
		alerts:   alerts,
		logger:   logger,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *PendingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Stale pending sweep failed")
			}
		}
	}
}

// SweepOnce reports every attempt that has sat in PENDING past the max age.
func (s *PendingSweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.maxAge)
	attempts, err := s.repo.ListStalePendingAttempts(ctx, cutoff, 100)
	if err != nil {
		return err
	}

	for _, attempt := range attempts {
		s.logger.WithFields(logrus.Fields{
			"attemptId": attempt.ID,
			"gateway":   attempt.GatewayType,
			"quoteId":   attempt.QuoteID,
			"age":       time.Since(attempt.CreatedAt).String(),
		}).Warn("Payment attempt stuck in pending, outcome unknown")

		entry := &models.AuditEntry{
			ID:      uuid.New(),
			Kind:    "stale_pending",
			RefID:   attempt.ID.String(),
			Gateway: string(attempt.GatewayType),
			Detail: models.JSONB{
				"quoteId":   attempt.QuoteID.String(),
				"createdAt": attempt.CreatedAt,
			},
		}
		if err := s.repo.AppendAudit(ctx, entry); err != nil {
			s.logger.WithError(err).Error("Failed to append sweep audit entry")
		}
		if s.alerts != nil {
			s.alerts.Publish(events.SubjectStalePending, events.Alert{
				Gateway: string(attempt.GatewayType),
				RefID:   attempt.ID.String(),
				QuoteID: attempt.QuoteID.String(),
				Detail:  "payment attempt pending past reconciliation window",
			})
		}
	}
	return nil
}
