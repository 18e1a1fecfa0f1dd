package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quote-payments-service/internal/gateway"
	"quote-payments-service/internal/models"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.GatewayConfig{},
		&models.Quote{},
		&models.PaymentAttempt{},
		&models.PaymentLink{},
		&models.WebhookDelivery{},
		&models.Refund{},
		&models.Dispute{},
		&models.AuditEntry{},
	))
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func seedQuote(t *testing.T, db *gorm.DB, status models.QuoteStatus, amountMinor int64) *models.Quote {
	t.Helper()
	quote := &models.Quote{
		ID:          uuid.New(),
		QuoteNumber: "Q-" + uuid.NewString()[:8],
		Status:      status,
		AmountMinor: amountMinor,
		Currency:    "USD",
	}
	require.NoError(t, db.Create(quote).Error)
	return quote
}

func seedGatewayConfig(t *testing.T, db *gorm.DB, gatewayType models.GatewayType) *models.GatewayConfig {
	t.Helper()
	config := &models.GatewayConfig{
		ID:                uuid.New(),
		GatewayType:       gatewayType,
		DisplayName:       string(gatewayType),
		IsEnabled:         true,
		IsTestMode:        true,
		APIKeyPublic:      "pk_test",
		APIKeySecret:      "sk_test",
		WebhookSecretTest: "whsec_test",
	}
	require.NoError(t, db.Create(config).Error)
	return config
}

func quoteStatus(t *testing.T, db *gorm.DB, id uuid.UUID) models.QuoteStatus {
	t.Helper()
	var quote models.Quote
	require.NoError(t, db.First(&quote, "id = ?", id).Error)
	return quote.Status
}

// fakeGateway is a scripted PaymentGateway for service tests.
type fakeGateway struct {
	gatewayType models.GatewayType
	artifact    *gateway.ArtifactResult
	createErr   error
	createCalls int
	verifyOK    bool
	event       *gateway.WebhookEvent
	parseErr    error
}

func (f *fakeGateway) Type() models.GatewayType { return f.gatewayType }

func (f *fakeGateway) CreatePaymentArtifact(ctx context.Context, req *gateway.CreateArtifactRequest) (*gateway.ArtifactResult, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.artifact, nil
}

func (f *fakeGateway) VerifyWebhook(body []byte, signatureHeader, secret string) bool {
	return f.verifyOK
}

func (f *fakeGateway) ParseWebhookEvent(body []byte) (*gateway.WebhookEvent, error) {
	return f.event, f.parseErr
}

func useFakeGateway(fake *fakeGateway) func(*models.GatewayConfig) (gateway.PaymentGateway, error) {
	return func(*models.GatewayConfig) (gateway.PaymentGateway, error) {
		return fake, nil
	}
}
