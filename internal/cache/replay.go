package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"quote-payments-service/internal/models"
)

// ReplayGuard is a best-effort fast path in front of the webhook ledger.
// Gateways redeliver aggressively, and most replays arrive within minutes;
// a cache hit answers those without touching the database. The database
// unique constraint remains the authority, so any Redis failure degrades to
// a miss instead of an error.
type ReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewReplayGuard creates a replay guard. A nil client disables the fast path.
func NewReplayGuard(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *ReplayGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayGuard{client: client, ttl: ttl, logger: logger}
}

func (g *ReplayGuard) key(gatewayType models.GatewayType, eventID string) string {
	return fmt.Sprintf("webhook:seen:%s:%s", gatewayType, eventID)
}

// Seen reports whether the event was already observed. Errors count as not
// seen.
func (g *ReplayGuard) Seen(ctx context.Context, gatewayType models.GatewayType, eventID string) bool {
	if g.client == nil {
		return false
	}
	n, err := g.client.Exists(ctx, g.key(gatewayType, eventID)).Result()
	if err != nil {
		g.logger.WithError(err).Debug("Replay cache lookup failed, falling through to ledger")
		return false
	}
	return n > 0
}

// Mark records the event as observed for the guard's TTL.
func (g *ReplayGuard) Mark(ctx context.Context, gatewayType models.GatewayType, eventID string) {
	if g.client == nil {
		return
	}
	if err := g.client.Set(ctx, g.key(gatewayType, eventID), 1, g.ttl).Err(); err != nil {
		g.logger.WithError(err).Debug("Replay cache mark failed")
	}
}
