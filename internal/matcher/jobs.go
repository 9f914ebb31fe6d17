package matcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/tasks"
)

// Register installs the delivery.assign_nearest handler.
func (e *Engine) Register(r *tasks.Runner) {
	r.Register(tasks.AssignNearest, e.handleAssign)
}

func (e *Engine) handleAssign(ctx context.Context, job tasks.Job) error {
	var args delivery.AssignArgs
	if err := job.Decode(&args); err != nil {
		return tasks.Permanent(err)
	}
	_, err := e.AssignNearest(ctx, args.DeliveryID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoCourierAvailable):
		// not retried; the auto-assign endpoint re-triggers matching
		e.log.Info("no courier available", zap.Int64("delivery_id", args.DeliveryID))
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotAssignable), errors.Is(err, ErrNoPickup):
		return tasks.Permanent(err)
	default:
		return err
	}
}
