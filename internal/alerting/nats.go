package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"gpufleet/internal/model"
)

// NATSOptions parameterise the broker sink.
type NATSOptions struct {
	URL           string
	SubjectPrefix string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSNotifier publishes events to a subject per event kind, e.g.
// gpufleet.alerts.price_alert. Downstream delivery (email, Telegram,
// webhooks) subscribes there.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// eventEnvelope is the published wire format. The id lets subscribers
// de-duplicate across redeliveries.
type eventEnvelope struct {
	ID           string    `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	RuleID       int64     `json:"rule_id"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewNATSNotifier connects to the broker.
func NewNATSNotifier(opts NATSOptions, logger zerolog.Logger) (*NATSNotifier, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = "gpufleet.alerts"
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
	}
	if opts.ReconnectWait > 0 {
		natsOpts = append(natsOpts, nats.ReconnectWait(opts.ReconnectWait))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSNotifier{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "alert_nats").Logger(),
	}, nil
}

// Notify publishes one event.
func (n *NATSNotifier) Notify(_ context.Context, event model.Event) error {
	envelope := eventEnvelope{
		ID:           uuid.NewString(),
		DeploymentID: event.DeploymentID,
		RuleID:       event.RuleID,
		Kind:         string(event.Kind),
		Message:      event.Message,
		OccurredAt:   event.OccurredAt,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := n.prefix + "." + string(event.Kind)
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	n.logger.Debug().Str("subject", subject).Str("event_id", envelope.ID).Msg("event published")
	return nil
}

// Close drains pending publishes before dropping the connection.
func (n *NATSNotifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

var _ Notifier = (*NATSNotifier)(nil)
