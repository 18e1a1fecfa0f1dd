package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPaymentStateTransitions(t *testing.T) {
	assert.True(t, AttemptPending.CanTransitionTo(AttemptExternalCreated))
	assert.True(t, AttemptExternalCreated.CanTransitionTo(AttemptDBRecorded))

	// The saga only moves forward one step at a time.
	assert.False(t, AttemptPending.CanTransitionTo(AttemptDBRecorded))
	assert.False(t, AttemptExternalCreated.CanTransitionTo(AttemptPending))

	// Error escapes are reachable from any non-terminal state.
	assert.True(t, AttemptPending.CanTransitionTo(AttemptFailed))
	assert.True(t, AttemptPending.CanTransitionTo(AttemptOrphaned))
	assert.True(t, AttemptExternalCreated.CanTransitionTo(AttemptOrphaned))

	// Terminal states never move again.
	for _, terminal := range []PaymentState{AttemptDBRecorded, AttemptFailed, AttemptOrphaned} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransitionTo(AttemptPending))
		assert.False(t, terminal.CanTransitionTo(AttemptFailed))
	}
}

func TestGatewayConfigWebhookSecret(t *testing.T) {
	config := &GatewayConfig{
		WebhookSecretTest: "whsec_test",
		WebhookSecretLive: "whsec_live",
	}

	config.IsTestMode = true
	assert.Equal(t, "whsec_test", config.WebhookSecret())

	config.IsTestMode = false
	assert.Equal(t, "whsec_live", config.WebhookSecret())
}

func TestPaymentLinkActive(t *testing.T) {
	now := time.Now()
	link := &PaymentLink{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, link.Active(now))
	assert.False(t, link.Active(now.Add(2*time.Hour)))
	assert.False(t, (&PaymentLink{}).Active(now))
}
