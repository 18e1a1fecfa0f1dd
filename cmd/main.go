package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quote-payments-service/internal/cache"
	"quote-payments-service/internal/config"
	"quote-payments-service/internal/events"
	"quote-payments-service/internal/handlers"
	"quote-payments-service/internal/middleware"
	"quote-payments-service/internal/models"
	"quote-payments-service/internal/repository"
	"quote-payments-service/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Structured logger shared across components
	appLogger := logrus.New()
	appLogger.SetFormatter(&logrus.JSONFormatter{})
	appLogger.SetLevel(logrus.InfoLevel)

	// Connect to database
	db, err := connectDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto-migrate models
	if err := db.AutoMigrate(
		&models.GatewayConfig{},
		&models.Quote{},
		&models.PaymentAttempt{},
		&models.PaymentLink{},
		&models.WebhookDelivery{},
		&models.Refund{},
		&models.Dispute{},
		&models.AuditEntry{},
	); err != nil {
		log.Printf("Warning: Auto-migration failed: %v", err)
	}

	// Initialize repository
	paymentRepo := repository.NewPaymentRepository(db)

	// Redis replay guard (optional fast path)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: invalid REDIS_URL: %v (replay cache disabled)", err)
		} else {
			redisClient = redis.NewClient(opts)
			log.Println("✓ Redis replay cache initialized")
		}
	}
	replayGuard := cache.NewReplayGuard(redisClient, cfg.ReplayCacheTTL, appLogger)

	// NATS alert publisher (optional)
	alertPublisher, err := events.NewAlertPublisher(cfg.NatsURL, appLogger)
	if err != nil {
		log.Printf("Warning: Failed to initialize alert publisher: %v (alerts won't be published)", err)
		alertPublisher, _ = events.NewAlertPublisher("", appLogger)
	} else if cfg.NatsURL != "" {
		defer alertPublisher.Close()
		log.Println("✓ NATS alert publisher initialized")
	}

	// Initialize services
	linkService := services.NewLinkService(paymentRepo, alertPublisher, appLogger, cfg.GatewayCallTimeout, cfg.PaymentLinkTTL)
	webhookService := services.NewWebhookService(paymentRepo, replayGuard, alertPublisher, appLogger)

	// Background sweep for attempts stuck in PENDING
	sweeper := services.NewPendingSweeper(paymentRepo, alertPublisher, appLogger, cfg.SweepInterval, cfg.PendingMaxAge)
	go sweeper.Run(context.Background())
	log.Println("✓ Stale pending sweeper started")

	// Initialize handlers
	linkHandler := handlers.NewLinkHandler(linkService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)

	// Setup router
	router := setupRouter(linkHandler, webhookHandler, appLogger)

	// Start server
	log.Printf("Quote Payments Service starting on port %s (env: %s)", cfg.Port, cfg.Environment)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// connectDatabase establishes a connection to the database
func connectDatabase(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✓ Connected to database")
	return db, nil
}

// setupRouter configures the HTTP router
func setupRouter(linkHandler *handlers.LinkHandler, webhookHandler *handlers.WebhookHandler, appLogger *logrus.Logger) *gin.Engine {
	router := gin.Default()

	rateLimits := middleware.NewServiceRateLimits()

	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.ValidateRequest())
	router.Use(middleware.RequestAudit(appLogger))

	// Health check (no rate limiting)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "quote-payments-service",
		})
	})

	// Gateway webhook endpoints
	webhooks := router.Group("/webhooks")
	webhooks.Use(middleware.RateLimitMiddleware(rateLimits.Webhook))
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
		webhooks.POST("/razorpay", webhookHandler.HandleRazorpayWebhook)
		webhooks.POST("/payu", webhookHandler.HandlePayUWebhook)
	}

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimitMiddleware(rateLimits.APIGeneral))
	{
		v1.POST("/payment-links",
			middleware.RateLimitMiddleware(rateLimits.CreateLink),
			linkHandler.CreatePaymentLink)
		v1.GET("/quotes/:quoteId/payment-link", linkHandler.GetPaymentLinkByQuote)
		v1.GET("/payment-attempts/:id", linkHandler.GetPaymentAttempt)
	}

	return router
}
