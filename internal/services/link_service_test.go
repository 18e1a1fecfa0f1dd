package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"quote-payments-service/internal/gateway"
	"quote-payments-service/internal/models"
	"quote-payments-service/internal/repository"
)

func newLinkTestService(db *gorm.DB, fake *fakeGateway) (*LinkService, *repository.PaymentRepository) {
	repo := repository.NewPaymentRepository(db)
	svc := NewLinkService(repo, nil, testLogger(), 5*time.Second, 24*time.Hour)
	svc.newGateway = useFakeGateway(fake)
	return svc, repo
}

func linkRequest(quote *models.Quote) *models.CreatePaymentLinkRequest {
	return &models.CreatePaymentLinkRequest{
		QuoteID:       quote.ID.String(),
		GatewayType:   string(models.GatewayStripe),
		AmountMinor:   quote.AmountMinor,
		Currency:      "USD",
		CustomerEmail: "ada@example.com",
		CustomerName:  "Ada",
	}
}

func TestCreatePaymentLinkHappyPath(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		artifact: &gateway.ArtifactResult{
			ExternalReference: "cs_1",
			PaymentURL:        "https://checkout.test/cs_1",
			RawResponse:       `{"id":"cs_1"}`,
			Variant:           models.VariantModern,
		},
	}
	svc, repo := newLinkTestService(db, fake)

	resp, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
	require.NoError(t, err)
	assert.False(t, resp.Reused)
	assert.Equal(t, "https://checkout.test/cs_1", resp.PaymentURL)
	assert.NotEmpty(t, resp.LinkCode)

	attempt, err := repo.GetLatestAttemptByQuote(context.Background(), quote.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptDBRecorded, attempt.PaymentState)
	assert.Equal(t, "cs_1", attempt.ExternalReference)
	assert.Equal(t, models.VariantModern, attempt.WireVariant)

	link, err := repo.GetActivePaymentLinkByQuote(context.Background(), quote.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, link.AttemptID)
}

func TestCreatePaymentLinkIdempotentReuse(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteSent, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		artifact: &gateway.ArtifactResult{
			ExternalReference: "cs_2",
			PaymentURL:        "https://checkout.test/cs_2",
			Variant:           models.VariantModern,
		},
	}
	svc, _ := newLinkTestService(db, fake)

	first, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
	require.NoError(t, err)

	second, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.LinkCode, second.LinkCode)
	assert.Equal(t, 1, fake.createCalls, "gateway must not be called again while a link is active")
}

func TestCreatePaymentLinkGatewayDecline(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		createErr: &gateway.GatewayError{
			Gateway: models.GatewayStripe,
			Code:    gateway.ErrPaymentDeclined,
			Message: "card_declined",
		},
	}
	svc, repo := newLinkTestService(db, fake)

	_, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
	require.Error(t, err)

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, gateway.ErrPaymentDeclined, linkErr.Code)

	attempt, err := repo.GetPaymentAttempt(context.Background(), linkErr.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, attempt.PaymentState)
	assert.Equal(t, string(gateway.ErrPaymentDeclined), attempt.FailureCode)
}

func TestCreatePaymentLinkTimeoutLeavesPending(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		createErr: &gateway.GatewayError{
			Gateway:   models.GatewayStripe,
			Code:      gateway.ErrGatewayTimeout,
			Message:   "deadline exceeded",
			Retryable: true,
		},
	}
	svc, repo := newLinkTestService(db, fake)

	_, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
	require.Error(t, err)

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, gateway.ErrGatewayTimeout, linkErr.Code)
	assert.True(t, linkErr.Retryable)

	// Unknown outcome: the attempt must stay PENDING for the sweep, never
	// FAILED.
	attempt, err := repo.GetPaymentAttempt(context.Background(), linkErr.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPending, attempt.PaymentState)
}

func TestCreatePaymentLinkPersistFailureOrphans(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		artifact: &gateway.ArtifactResult{
			ExternalReference: "cs_orphan",
			PaymentURL:        "https://checkout.test/cs_orphan",
			Variant:           models.VariantModern,
		},
	}
	svc, repo := newLinkTestService(db, fake)

	// Break the link table after the attempt insert so the gateway call
	// succeeds but the caller-facing record cannot be written.
	require.NoError(t, db.Migrator().DropTable(&models.PaymentLink{}))

	_, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
	require.Error(t, err)

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)

	attempt, err := repo.GetPaymentAttempt(context.Background(), linkErr.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptOrphaned, attempt.PaymentState)
	assert.Equal(t, "cs_orphan", attempt.ExternalReference)
}

func TestCreatePaymentLinkQuoteGuards(t *testing.T) {
	db := newTestDB(t)
	seedGatewayConfig(t, db, models.GatewayStripe)
	svc, _ := newLinkTestService(db, &fakeGateway{gatewayType: models.GatewayStripe})

	t.Run("draft quote is not payable", func(t *testing.T) {
		quote := seedQuote(t, db, models.QuoteDraft, 125000)
		_, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
		assert.ErrorIs(t, err, ErrQuoteNotPayable)
	})

	t.Run("paid quote is not payable", func(t *testing.T) {
		quote := seedQuote(t, db, models.QuotePaid, 125000)
		_, err := svc.CreatePaymentLink(context.Background(), linkRequest(quote))
		assert.ErrorIs(t, err, ErrQuoteNotPayable)
	})

	t.Run("amount mismatch is rejected", func(t *testing.T) {
		quote := seedQuote(t, db, models.QuoteApproved, 125000)
		req := linkRequest(quote)
		req.AmountMinor = 99
		_, err := svc.CreatePaymentLink(context.Background(), req)
		assert.ErrorIs(t, err, ErrAmountMismatch)
	})

	t.Run("unknown quote", func(t *testing.T) {
		req := &models.CreatePaymentLinkRequest{
			QuoteID:     "2c1f9a1e-0000-4000-8000-000000000000",
			GatewayType: string(models.GatewayStripe),
			AmountMinor: 1,
			Currency:    "USD",
		}
		_, err := svc.CreatePaymentLink(context.Background(), req)
		assert.ErrorIs(t, err, ErrQuoteNotFound)
	})

	t.Run("unknown gateway", func(t *testing.T) {
		quote := seedQuote(t, db, models.QuoteApproved, 125000)
		req := linkRequest(quote)
		req.GatewayType = "PAYPAL"
		_, err := svc.CreatePaymentLink(context.Background(), req)
		assert.ErrorIs(t, err, models.ErrInvalidGateway)
	})
}

func TestSetAttemptStateRefusesIllegalTransition(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	svc, repo := newLinkTestService(db, &fakeGateway{gatewayType: models.GatewayStripe})

	t.Run("terminal states never move", func(t *testing.T) {
		attempt := &models.PaymentAttempt{
			ID:           uuid.New(),
			AttemptCode:  newOpaqueCode("att"),
			QuoteID:      quote.ID,
			GatewayType:  models.GatewayStripe,
			AmountMinor:  125000,
			Currency:     "USD",
			PaymentState: models.AttemptDBRecorded,
		}
		require.NoError(t, repo.CreatePaymentAttempt(context.Background(), attempt))

		err := svc.setAttemptState(context.Background(), attempt, models.AttemptFailed)
		require.Error(t, err)

		reloaded, err := repo.GetPaymentAttempt(context.Background(), attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AttemptDBRecorded, reloaded.PaymentState)
	})

	t.Run("skipping a step forward is refused", func(t *testing.T) {
		attempt := &models.PaymentAttempt{
			ID:           uuid.New(),
			AttemptCode:  newOpaqueCode("att"),
			QuoteID:      quote.ID,
			GatewayType:  models.GatewayStripe,
			AmountMinor:  125000,
			Currency:     "USD",
			PaymentState: models.AttemptPending,
		}
		require.NoError(t, repo.CreatePaymentAttempt(context.Background(), attempt))

		err := svc.setAttemptState(context.Background(), attempt, models.AttemptDBRecorded)
		require.Error(t, err)

		reloaded, err := repo.GetPaymentAttempt(context.Background(), attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AttemptPending, reloaded.PaymentState)
	})
}

func TestPendingSweeperReportsStaleAttempts(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	repo := repository.NewPaymentRepository(db)

	stale := &models.PaymentAttempt{
		ID:           uuid.New(),
		AttemptCode:  newOpaqueCode("att"),
		QuoteID:      quote.ID,
		GatewayType:  models.GatewayPayU,
		AmountMinor:  125000,
		Currency:     "USD",
		PaymentState: models.AttemptPending,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.CreatePaymentAttempt(context.Background(), stale))

	sweeper := NewPendingSweeper(repo, nil, testLogger(), time.Minute, 10*time.Minute)
	require.NoError(t, sweeper.SweepOnce(context.Background()))

	var entries []models.AuditEntry
	require.NoError(t, db.Where("kind = ?", "stale_pending").Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, stale.ID.String(), entries[0].RefID)

	// Attempt state is untouched: the sweep reports, it never mutates.
	reloaded, err := repo.GetPaymentAttempt(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptPending, reloaded.PaymentState)
}
