package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"gpufleet/internal/model"
)

// Notifier delivers automation events to whatever channel is configured.
// Delivery failures are the caller's to log; the execution log row is written
// regardless, so a lost notification never loses the audit trail.
type Notifier interface {
	Notify(ctx context.Context, event model.Event) error
}

// LogNotifier emits events into the process log. It is the default sink and
// the fallback when no broker is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs the log sink.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify writes the event at warn level so it stands out of routine output.
func (n *LogNotifier) Notify(_ context.Context, event model.Event) error {
	n.logger.Warn().
		Int64("deployment_id", event.DeploymentID).
		Int64("rule_id", event.RuleID).
		Str("kind", string(event.Kind)).
		Time("occurred_at", event.OccurredAt).
		Msg(event.Message)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
