// Package scheduler runs the two periodic tasks of the farm: the status
// poller, which keeps device state and printing jobs current, and the
// dispatcher, which moves queued jobs onto idle devices. Both are owned by
// a Loop with an explicit Start/Stop lifecycle.
package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/logging"
)

const tracerName = "github.com/psantana5/printfarm/pkg/scheduler"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func componentLogger(l *logging.Logger, component string) *logging.Logger {
	if l == nil {
		l = logging.NewLogger(logging.INFO, false)
	}
	return l.WithComponent(component)
}

// publishQueue sends a queue event; publishing is best effort
func publishQueue(ctx context.Context, pub events.Publisher, logger *logging.Logger, ev events.QueueEvent) {
	if pub == nil {
		return
	}
	if err := pub.PublishQueue(ctx, ev); err != nil {
		logger.Warn("Failed to publish queue event", map[string]interface{}{
			"action": ev.Action,
			"job_id": ev.JobID,
			"error":  err.Error(),
		})
	}
}
