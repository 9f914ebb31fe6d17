package promotions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/cache"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/observability"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
)

const DefaultReminderWindow = 24 * time.Hour

// JobArgs are the activate/deactivate job arguments.
type JobArgs struct {
	PromotionID int64 `json:"promotion_id"`
}

func ActivateKey(id int64) string   { return "activate_promotion_" + strconv.FormatInt(id, 10) }
func DeactivateKey(id int64) string { return "deactivate_promotion_" + strconv.FormatInt(id, 10) }
func remindKey(id int64) string     { return "remind_promotion_" + strconv.FormatInt(id, 10) }

// Scheduler keeps promotion is_active in line with the promotion window.
// Delayed jobs do the precise flips; the reconcile sweeps repair whatever
// the queue missed.
type Scheduler struct {
	store          storage.Promotions
	queue          tasks.Queue
	cache          cache.Cache
	log            *zap.Logger
	now            func() time.Time
	reminderWindow time.Duration
}

func NewScheduler(store storage.Promotions, queue tasks.Queue, c cache.Cache, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:          store,
		queue:          queue,
		cache:          c,
		log:            log,
		now:            time.Now,
		reminderWindow: DefaultReminderWindow,
	}
}

// WithReminderWindow overrides how far ahead SendReminders looks.
func (s *Scheduler) WithReminderWindow(d time.Duration) *Scheduler {
	if d > 0 {
		s.reminderWindow = d
	}
	return s
}

func (s *Scheduler) schedule(ctx context.Context, name, key string, id int64, at time.Time) error {
	job, err := tasks.NewJob(name, JobArgs{PromotionID: id})
	if err != nil {
		return err
	}
	return s.queue.EnqueueAt(ctx, job.WithKey(key), at)
}

// OnSave schedules the jobs a freshly saved promotion needs. Saving again
// replaces the earlier schedule for the same promotion.
func (s *Scheduler) OnSave(ctx context.Context, p models.Promotion) error {
	now := s.now()
	if p.StartDate.After(now) {
		if err := s.schedule(ctx, tasks.ActivatePromotion, ActivateKey(p.ID), p.ID, p.StartDate); err != nil {
			return fmt.Errorf("schedule activation: %w", err)
		}
	}
	if !p.IsActive {
		return nil
	}
	at := p.EndDate
	if !at.After(now) {
		at = now
	}
	if err := s.schedule(ctx, tasks.DeactivatePromotion, DeactivateKey(p.ID), p.ID, at); err != nil {
		return fmt.Errorf("schedule deactivation: %w", err)
	}
	return nil
}

// Activate turns the promotion on when start <= now < end and it is off.
// It reports whether it flipped.
func (s *Scheduler) Activate(ctx context.Context, id int64) (bool, error) {
	p, err := s.store.GetPromotion(ctx, id)
	if err != nil {
		return false, err
	}
	now := s.now()
	if p.IsActive || now.Before(p.StartDate) || !now.Before(p.EndDate) {
		return false, nil
	}
	return s.flip(ctx, p, true, "job")
}

// Deactivate turns the promotion off once end <= now.
func (s *Scheduler) Deactivate(ctx context.Context, id int64) (bool, error) {
	p, err := s.store.GetPromotion(ctx, id)
	if err != nil {
		return false, err
	}
	if !p.IsActive || s.now().Before(p.EndDate) {
		return false, nil
	}
	return s.flip(ctx, p, false, "job")
}

func (s *Scheduler) flip(ctx context.Context, p models.Promotion, active bool, source string) (bool, error) {
	flipped, err := s.store.SetPromotionActive(ctx, p.ID, active)
	if err != nil || !flipped {
		return false, err
	}
	direction := "deactivate"
	if active {
		direction = "activate"
	}
	observability.PromotionTransitions.WithLabelValues(direction, source).Inc()
	log := s.log.With(zap.Int64("promotion_id", p.ID), zap.String("source", source))
	log.Info("promotion " + direction + "d")

	if err := s.invalidate(ctx, p); err != nil {
		log.Warn("promotion cache invalidation", zap.Error(err))
	}
	if active {
		job, err := tasks.NewJob(tasks.NotifyPromotion, notify.PromotionArgs{PromotionID: p.ID})
		if err == nil {
			err = s.queue.Enqueue(ctx, job)
		}
		if err != nil {
			log.Error("enqueue promotion fan-out", zap.Error(err))
		}
	}
	return true, nil
}

func (s *Scheduler) invalidate(ctx context.Context, p models.Promotion) error {
	items, err := s.store.PromotionMenuItems(ctx, p.ID)
	if err != nil {
		return err
	}
	keys := []string{cache.PromotionKey(p.ID), cache.RestaurantPromotionsKey(p.RestaurantID)}
	for _, id := range items {
		keys = append(keys, cache.MenuItemKey(id))
	}
	return s.cache.Delete(ctx, keys...)
}

// ReconcileExpired deactivates every active promotion whose end has passed.
func (s *Scheduler) ReconcileExpired(ctx context.Context) (int, error) {
	list, err := s.store.ListExpiredActivePromotions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	return s.reconcile(ctx, list, false)
}

// ReconcileScheduled activates every inactive promotion whose window
// contains now.
func (s *Scheduler) ReconcileScheduled(ctx context.Context) (int, error) {
	list, err := s.store.ListDuePromotions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	return s.reconcile(ctx, list, true)
}

func (s *Scheduler) reconcile(ctx context.Context, list []models.Promotion, active bool) (int, error) {
	n := 0
	var errs []error
	for _, p := range list {
		flipped, err := s.flip(ctx, p, active, "sweep")
		if err != nil {
			errs = append(errs, fmt.Errorf("promotion %d: %w", p.ID, err))
			continue
		}
		if flipped {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// SendReminders queues an ending-soon fan-out for active promotions ending
// within the reminder window. A promotion is reminded once per window.
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	now := s.now()
	list, err := s.store.ListPromotionsEndingBetween(ctx, now, now.Add(s.reminderWindow))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range list {
		if p.LastRemindedAt != nil && !p.LastRemindedAt.Before(p.EndDate.Add(-s.reminderWindow)) {
			continue
		}
		job, err := tasks.NewJob(tasks.NotifyPromotion, notify.PromotionArgs{PromotionID: p.ID, Reminder: true})
		if err != nil {
			return n, err
		}
		if err := s.queue.Enqueue(ctx, job.WithKey(remindKey(p.ID))); err != nil {
			return n, err
		}
		if err := s.store.MarkPromotionReminded(ctx, p.ID, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Register installs the activate/deactivate job handlers.
func (s *Scheduler) Register(r *tasks.Runner) {
	r.Register(tasks.ActivatePromotion, s.jobHandler(s.Activate))
	r.Register(tasks.DeactivatePromotion, s.jobHandler(s.Deactivate))
}

func (s *Scheduler) jobHandler(op func(context.Context, int64) (bool, error)) tasks.Handler {
	return func(ctx context.Context, job tasks.Job) error {
		var args JobArgs
		if err := job.Decode(&args); err != nil {
			return tasks.Permanent(err)
		}
		_, err := op(ctx, args.PromotionID)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("promotion not found", zap.String("job", job.Name), zap.Int64("promotion_id", args.PromotionID))
			return nil
		}
		return err
	}
}
