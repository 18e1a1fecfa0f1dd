package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Alert subjects. Subscribers on the ops side route these to pager/Slack.
const (
	SubjectDisputeOpened   = "payments.alerts.dispute_opened"
	SubjectRefundFailed    = "payments.alerts.refund_failed"
	SubjectAttemptOrphaned = "payments.alerts.attempt_orphaned"
	SubjectStalePending    = "payments.alerts.stale_pending"
)

// Alert is the payload published on the alert subjects.
type Alert struct {
	Gateway    string    `json:"gateway,omitempty"`
	RefID      string    `json:"refId"`
	QuoteID    string    `json:"quoteId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// AlertPublisher publishes operator alerts over NATS. Alerting is advisory:
// a publish failure is logged and swallowed so it can never fail a webhook
// or a saga step.
type AlertPublisher struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// NewAlertPublisher connects to the NATS server at natsURL. An empty URL
// disables publishing.
func NewAlertPublisher(natsURL string, logger *logrus.Logger) (*AlertPublisher, error) {
	if natsURL == "" {
		return &AlertPublisher{logger: logger}, nil
	}
	conn, err := nats.Connect(natsURL,
		nats.Name("quote-payments-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &AlertPublisher{conn: conn, logger: logger}, nil
}

// Publish sends an alert on the given subject.
func (p *AlertPublisher) Publish(subject string, alert Alert) {
	if p.conn == nil {
		return
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(alert)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal alert")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.WithError(err).WithField("subject", subject).Error("Failed to publish alert")
	}
}

// Close drains the connection.
func (p *AlertPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
