package promotions

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs the reconcile sweeps and the reminder pass on a fixed
// interval until its context ends.
type Sweeper struct {
	Scheduler *Scheduler
	Interval  time.Duration
	Log       *zap.Logger
}

func (w *Sweeper) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("promotion sweeper started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Sweep(ctx)
		select {
		case <-ctx.Done():
			log.Info("promotion sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass. Each step is independent; a failing step is logged
// and the others still run.
func (w *Sweeper) Sweep(ctx context.Context) {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	if n, err := w.Scheduler.ReconcileExpired(ctx); err != nil {
		log.Error("reconcile expired promotions", zap.Error(err))
	} else if n > 0 {
		log.Info("expired promotions deactivated", zap.Int("count", n))
	}
	if n, err := w.Scheduler.ReconcileScheduled(ctx); err != nil {
		log.Error("reconcile scheduled promotions", zap.Error(err))
	} else if n > 0 {
		log.Info("scheduled promotions activated", zap.Int("count", n))
	}
	if n, err := w.Scheduler.SendReminders(ctx); err != nil {
		log.Error("promotion reminders", zap.Error(err))
	} else if n > 0 {
		log.Info("promotion reminders queued", zap.Int("count", n))
	}
}
