// Package log provides a Notifier that writes change events to the logger.
package log

import (
	"context"

	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Notifier logs every change event. Used in development and as the fallback
// when no publisher is configured.
type Notifier struct {
	logger *zap.Logger
}

// New creates a log notifier.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger.Named("notify")}
}

// Notify logs the event.
func (n *Notifier) Notify(_ context.Context, event monitor.ChangeEvent) error {
	n.logger.Info("change detected",
		zap.String("event_id", event.ID),
		zap.String("target_id", event.TargetID),
		zap.String("field", event.Field),
		zap.String("kind", string(event.Kind)),
		zap.Float64("magnitude", event.Magnitude),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}
