package pressure

import (
	"context"
	"log/slog"

	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
)

// Notifier delivers care alerts to an entity's care circle.
type Notifier interface {
	NotifyCareCircle(ctx context.Context, alert model.CareAlert) error
}

// LogNotifier writes alerts to the log. It is the fallback when no event
// bus is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) NotifyCareCircle(_ context.Context, alert model.CareAlert) error {
	logger.OrDiscard(n.Log).Warn("care circle alert",
		"entity", alert.EntityID,
		"urgency", alert.Urgency.String(),
		"previous", alert.Previous.String(),
		"patterns", alert.Patterns,
		"trend", string(alert.Trend),
		"care_circle", alert.CareCircle,
	)
	return nil
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, alert model.CareAlert) error

func (f NotifierFunc) NotifyCareCircle(ctx context.Context, alert model.CareAlert) error {
	return f(ctx, alert)
}
