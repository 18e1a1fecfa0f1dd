package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"quote-payments-service/internal/gateway"
	"quote-payments-service/internal/models"
	"quote-payments-service/internal/repository"
)

func newWebhookTestService(db *gorm.DB, fake *fakeGateway) (*WebhookService, *repository.PaymentRepository) {
	repo := repository.NewPaymentRepository(db)
	svc := NewWebhookService(repo, nil, nil, testLogger())
	svc.newGateway = useFakeGateway(fake)
	return svc, repo
}

func seedAttempt(t *testing.T, repo *repository.PaymentRepository, quoteID uuid.UUID, gw models.GatewayType, externalRef string, amountMinor int64) *models.PaymentAttempt {
	t.Helper()
	attempt := &models.PaymentAttempt{
		ID:                uuid.New(),
		AttemptCode:       newOpaqueCode("att"),
		QuoteID:           quoteID,
		GatewayType:       gw,
		AmountMinor:       amountMinor,
		Currency:          "USD",
		ExternalReference: externalRef,
		PaymentState:      models.AttemptDBRecorded,
	}
	require.NoError(t, repo.CreatePaymentAttempt(context.Background(), attempt))
	return attempt
}

func TestProcessWebhookPaymentSucceeded(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteSent, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_1",
			Kind:        gateway.KindPaymentSucceeded,
			RawType:     "checkout.session.completed",
			GatewayType: models.GatewayStripe,
			QuoteRef:    quote.ID.String(),
			AmountMinor: 125000,
			Currency:    "USD",
		},
	}
	svc, repo := newWebhookTestService(db, fake)

	ack, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, models.QuotePaid, quoteStatus(t, db, quote.ID))

	delivery, err := repo.GetWebhookDelivery(context.Background(), models.GatewayStripe, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryCompleted, delivery.Status)
	assert.NotNil(t, delivery.ProcessedAt)
}

func TestProcessWebhookDuplicateDelivery(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuoteApproved, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_dup",
			Kind:        gateway.KindPaymentSucceeded,
			RawType:     "checkout.session.completed",
			GatewayType: models.GatewayStripe,
			QuoteRef:    quote.ID.String(),
		},
	}
	svc, _ := newWebhookTestService(db, fake)

	first, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	// A single ledger row, a single applied transition.
	var count int64
	require.NoError(t, db.Model(&models.WebhookDelivery{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, models.QuotePaid, quoteStatus(t, db, quote.ID))
}

func TestProcessWebhookSucceededOnPaidQuoteIsNoOp(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuotePaid, 125000)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_noop",
			Kind:        gateway.KindPaymentSucceeded,
			RawType:     "checkout.session.completed",
			GatewayType: models.GatewayStripe,
			QuoteRef:    quote.ID.String(),
		},
	}
	svc, _ := newWebhookTestService(db, fake)

	ack, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Equal(t, models.QuotePaid, quoteStatus(t, db, quote.ID))
}

func TestProcessWebhookFailureCompensatesPaidQuote(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuotePaid, 125000)
	seedGatewayConfig(t, db, models.GatewayRazorpay)

	fake := &fakeGateway{
		gatewayType: models.GatewayRazorpay,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_fail",
			Kind:        gateway.KindPaymentFailed,
			RawType:     "payment.failed",
			GatewayType: models.GatewayRazorpay,
			QuoteRef:    quote.ID.String(),
			Reason:      "issuer declined",
		},
	}
	svc, _ := newWebhookTestService(db, fake)

	_, err := svc.ProcessWebhook(context.Background(), models.GatewayRazorpay, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.QuoteApproved, quoteStatus(t, db, quote.ID))
}

func TestProcessWebhookPartialRefundsAccumulate(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuotePaid, 100000)
	seedGatewayConfig(t, db, models.GatewayStripe)
	svc, repo := newWebhookTestService(db, &fakeGateway{})
	attempt := seedAttempt(t, repo, quote.ID, models.GatewayStripe, "pi_1", 100000)

	refundEvent := func(eventID, refundID string, amount int64) *fakeGateway {
		return &fakeGateway{
			gatewayType: models.GatewayStripe,
			verifyOK:    true,
			event: &gateway.WebhookEvent{
				EventID:     eventID,
				Kind:        gateway.KindRefundSucceeded,
				RawType:     "refund.updated",
				GatewayType: models.GatewayStripe,
				PaymentRef:  "pi_1",
				RefundID:    refundID,
				AmountMinor: amount,
				Currency:    "USD",
			},
		}
	}

	svc.newGateway = useFakeGateway(refundEvent("evt_r1", "re_1", 40000))
	_, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.QuotePaid, quoteStatus(t, db, quote.ID))

	svc.newGateway = useFakeGateway(refundEvent("evt_r2", "re_2", 30000))
	_, err = svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.QuotePaid, quoteStatus(t, db, quote.ID))

	// The final refund covers the original amount: the quote flips.
	svc.newGateway = useFakeGateway(refundEvent("evt_r3", "re_3", 30000))
	_, err = svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, models.QuoteRefunded, quoteStatus(t, db, quote.ID))

	total, err := repo.SumSucceededRefunds(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), total)
}

func TestProcessWebhookRedeliveredRefundDoesNotDoubleCount(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuotePaid, 100000)
	seedGatewayConfig(t, db, models.GatewayStripe)
	svc, repo := newWebhookTestService(db, &fakeGateway{})
	attempt := seedAttempt(t, repo, quote.ID, models.GatewayStripe, "pi_2", 100000)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_refund_once",
			Kind:        gateway.KindRefundSucceeded,
			RawType:     "refund.updated",
			GatewayType: models.GatewayStripe,
			PaymentRef:  "pi_2",
			RefundID:    "re_same",
			AmountMinor: 60000,
			Currency:    "USD",
		},
	}
	svc.newGateway = useFakeGateway(fake)

	_, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	ack, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	total, err := repo.SumSucceededRefunds(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), total)
	assert.Equal(t, models.QuotePaid, quoteStatus(t, db, quote.ID))
}

func TestProcessWebhookInvalidSignature(t *testing.T) {
	db := newTestDB(t)
	seedGatewayConfig(t, db, models.GatewayPayU)

	fake := &fakeGateway{gatewayType: models.GatewayPayU, verifyOK: false}
	svc, _ := newWebhookTestService(db, fake)

	_, err := svc.ProcessWebhook(context.Background(), models.GatewayPayU, []byte(`{}`), "bad")
	assert.ErrorIs(t, err, ErrSignatureRejected)

	var count int64
	require.NoError(t, db.Model(&models.WebhookDelivery{}).Count(&count).Error)
	assert.Zero(t, count, "rejected deliveries never reach the ledger")
}

func TestProcessWebhookUnknownKindAcked(t *testing.T) {
	db := newTestDB(t)
	seedGatewayConfig(t, db, models.GatewayStripe)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_unknown",
			Kind:        gateway.KindUnknown,
			RawType:     "invoice.finalized",
			GatewayType: models.GatewayStripe,
		},
	}
	svc, _ := newWebhookTestService(db, fake)

	ack, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.True(t, ack.Received)

	var count int64
	require.NoError(t, db.Model(&models.WebhookDelivery{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestProcessWebhookDisputeCreated(t *testing.T) {
	db := newTestDB(t)
	quote := seedQuote(t, db, models.QuotePaid, 100000)
	seedGatewayConfig(t, db, models.GatewayStripe)
	svc, repo := newWebhookTestService(db, &fakeGateway{})
	attempt := seedAttempt(t, repo, quote.ID, models.GatewayStripe, "pi_3", 100000)

	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_disp",
			Kind:        gateway.KindDisputeCreated,
			RawType:     "charge.dispute.created",
			GatewayType: models.GatewayStripe,
			PaymentRef:  "pi_3",
			DisputeID:   "dp_1",
			AmountMinor: 100000,
			Currency:    "USD",
			Reason:      "fraudulent",
		},
	}
	svc.newGateway = useFakeGateway(fake)

	_, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)

	dispute, err := repo.GetDisputeByGatewayID(context.Background(), "dp_1")
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, dispute.AttemptID)
	assert.Equal(t, models.DisputeNeedsResponse, dispute.Status)
}

func TestProcessWebhookCorrelationFailureMarksDeliveryFailed(t *testing.T) {
	db := newTestDB(t)
	seedGatewayConfig(t, db, models.GatewayStripe)

	// A dispute update would normally be ignored when uncorrelated; a
	// storage failure during the lookup must not be mistaken for that.
	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_corr",
			Kind:        gateway.KindDisputeUpdated,
			RawType:     "charge.dispute.updated",
			GatewayType: models.GatewayStripe,
			PaymentRef:  "pi_x",
			DisputeID:   "dp_x",
			Reason:      "won",
		},
	}
	svc, repo := newWebhookTestService(db, fake)

	require.NoError(t, db.Migrator().DropTable(&models.PaymentAttempt{}))

	_, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.Error(t, err)

	// The delivery lands as FAILED, not COMPLETED, so the gateway
	// redelivers once storage recovers.
	delivery, err := repo.GetWebhookDelivery(context.Background(), models.GatewayStripe, "evt_corr")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, delivery.Status)
	assert.NotEmpty(t, delivery.ProcessingError)
}

func TestProcessWebhookFailedProcessingIsRetriable(t *testing.T) {
	db := newTestDB(t)
	seedGatewayConfig(t, db, models.GatewayStripe)

	// A refund event with no matching attempt fails processing.
	fake := &fakeGateway{
		gatewayType: models.GatewayStripe,
		verifyOK:    true,
		event: &gateway.WebhookEvent{
			EventID:     "evt_retry",
			Kind:        gateway.KindRefundSucceeded,
			RawType:     "refund.updated",
			GatewayType: models.GatewayStripe,
			PaymentRef:  "pi_missing",
			RefundID:    "re_9",
			AmountMinor: 1000,
		},
	}
	svc, repo := newWebhookTestService(db, fake)

	_, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.Error(t, err)

	delivery, err := repo.GetWebhookDelivery(context.Background(), models.GatewayStripe, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, delivery.Status)

	// The attempt record lands, then the gateway redelivers: the failed
	// row is re-claimed instead of being treated as a duplicate.
	quote := seedQuote(t, db, models.QuotePaid, 1000)
	seedAttempt(t, repo, quote.ID, models.GatewayStripe, "pi_missing", 1000)

	ack, err := svc.ProcessWebhook(context.Background(), models.GatewayStripe, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, models.QuoteRefunded, quoteStatus(t, db, quote.ID))
}
