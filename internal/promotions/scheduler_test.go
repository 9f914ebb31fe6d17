package promotions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/courier-dispatch/internal/cache"
	"github.com/example/courier-dispatch/internal/models"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tasks"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *storage.MemoryStore
	queue *tasks.MemoryQueue
	cache *cache.Memory
	sched *Scheduler
	clock time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store: storage.NewMemoryStore(),
		queue: tasks.NewMemoryQueue(time.Minute),
		cache: cache.NewMemory(),
		clock: t0,
	}
	f.sched = NewScheduler(f.store, f.queue, f.cache, nil)
	f.sched.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) warmCache(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, f.cache.Set(context.Background(), k, "cached", 0))
	}
}

func (f *fixture) cached(key string) bool {
	var v string
	ok, _ := f.cache.Get(context.Background(), key, &v)
	return ok
}

func (f *fixture) jobs(name string) []tasks.Job {
	var out []tasks.Job
	for _, j := range f.queue.Pending() {
		if j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

func TestActivateTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutPromotion(models.Promotion{
		ID: 1, RestaurantID: 3, Name: "Lunch", Discount: 15,
		StartDate: t0.Add(-time.Hour), EndDate: t0.Add(time.Hour),
	}, 7, 8)
	keys := []string{cache.PromotionKey(1), cache.RestaurantPromotionsKey(3), cache.MenuItemKey(7), cache.MenuItemKey(8)}
	f.warmCache(t, keys...)

	flipped, err := f.sched.Activate(ctx, 1)
	require.NoError(t, err)
	require.True(t, flipped)
	for _, k := range keys {
		require.False(t, f.cached(k), k)
	}
	fanout := f.jobs(tasks.NotifyPromotion)
	require.Len(t, fanout, 1)
	var args notify.PromotionArgs
	require.NoError(t, fanout[0].Decode(&args))
	require.Equal(t, int64(1), args.PromotionID)
	require.False(t, args.Reminder)

	f.warmCache(t, keys...)
	flipped, err = f.sched.Activate(ctx, 1)
	require.NoError(t, err)
	require.False(t, flipped)
	for _, k := range keys {
		require.True(t, f.cached(k), k)
	}
	require.Len(t, f.jobs(tasks.NotifyPromotion), 1)
	p, _ := f.store.GetPromotion(ctx, 1)
	require.True(t, p.IsActive)
}

func TestActivateOutsideWindowDoesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutPromotion(models.Promotion{ID: 1, StartDate: t0.Add(time.Hour), EndDate: t0.Add(2 * time.Hour)})
	f.store.PutPromotion(models.Promotion{ID: 2, StartDate: t0.Add(-2 * time.Hour), EndDate: t0})

	for _, id := range []int64{1, 2} {
		flipped, err := f.sched.Activate(ctx, id)
		require.NoError(t, err)
		require.False(t, flipped)
	}
	_, err := f.sched.Activate(ctx, 99)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOnSaveSchedulesKeyedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := models.Promotion{ID: 4, StartDate: t0.Add(time.Hour), EndDate: t0.Add(3 * time.Hour), IsActive: true}

	require.NoError(t, f.sched.OnSave(ctx, p))
	require.NoError(t, f.sched.OnSave(ctx, p))

	act := f.jobs(tasks.ActivatePromotion)
	require.Len(t, act, 1)
	require.Equal(t, "activate_promotion_4", act[0].Key)
	require.True(t, act[0].RunAt.Equal(p.StartDate))

	deact := f.jobs(tasks.DeactivatePromotion)
	require.Len(t, deact, 1)
	require.Equal(t, "deactivate_promotion_4", deact[0].Key)
	require.True(t, deact[0].RunAt.Equal(p.EndDate))
}

func TestOnSaveExpiredActiveDeactivatesNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := models.Promotion{ID: 5, StartDate: t0.Add(-3 * time.Hour), EndDate: t0.Add(-time.Hour), IsActive: true}
	require.NoError(t, f.sched.OnSave(ctx, p))

	require.Empty(t, f.jobs(tasks.ActivatePromotion))
	deact := f.jobs(tasks.DeactivatePromotion)
	require.Len(t, deact, 1)
	require.True(t, deact[0].RunAt.Equal(t0))
}

func TestReconcileAtPlusTwoHoursActivatesWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := models.Promotion{ID: 6, StartDate: t0.Add(time.Hour), EndDate: t0.Add(3 * time.Hour)}
	f.store.PutPromotion(p)
	require.NoError(t, f.sched.OnSave(ctx, p))

	// the activation job got lost; the sweep repairs it
	f.clock = t0.Add(2 * time.Hour)
	n, err := f.sched.ReconcileScheduled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, _ := f.store.GetPromotion(ctx, 6)
	require.True(t, got.IsActive)

	n, err = f.sched.ReconcileScheduled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReconcileExpiredAndDeactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutPromotion(models.Promotion{ID: 1, RestaurantID: 2, StartDate: t0.Add(-5 * time.Hour), EndDate: t0.Add(-time.Hour), IsActive: true})
	f.store.PutPromotion(models.Promotion{ID: 2, StartDate: t0.Add(-time.Hour), EndDate: t0.Add(time.Hour), IsActive: true})
	f.warmCache(t, cache.RestaurantPromotionsKey(2))

	flipped, err := f.sched.Deactivate(ctx, 2)
	require.NoError(t, err)
	require.False(t, flipped)

	n, err := f.sched.ReconcileExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.cached(cache.RestaurantPromotionsKey(2)))

	p, _ := f.store.GetPromotion(ctx, 1)
	require.False(t, p.IsActive)
	p, _ = f.store.GetPromotion(ctx, 2)
	require.True(t, p.IsActive)
	require.Empty(t, f.jobs(tasks.NotifyPromotion))
}

func TestSendRemindersOncePerWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutPromotion(models.Promotion{ID: 1, StartDate: t0.Add(-time.Hour), EndDate: t0.Add(5 * time.Hour), IsActive: true})
	f.store.PutPromotion(models.Promotion{ID: 2, StartDate: t0.Add(-time.Hour), EndDate: t0.Add(48 * time.Hour), IsActive: true})
	f.store.PutPromotion(models.Promotion{ID: 3, StartDate: t0.Add(-time.Hour), EndDate: t0.Add(2 * time.Hour)})

	n, err := f.sched.SendReminders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	jobs := f.jobs(tasks.NotifyPromotion)
	require.Len(t, jobs, 1)
	var args notify.PromotionArgs
	require.NoError(t, jobs[0].Decode(&args))
	require.Equal(t, int64(1), args.PromotionID)
	require.True(t, args.Reminder)

	f.clock = t0.Add(time.Hour)
	n, err = f.sched.SendReminders(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestJobsThroughRunner(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutPromotion(models.Promotion{ID: 1, StartDate: t0.Add(-time.Hour), EndDate: t0.Add(time.Hour)})

	r := tasks.NewRunner(f.queue, tasks.DefaultRetryPolicy(), nil)
	f.sched.Register(r)

	for _, id := range []int64{1, 404} {
		job, err := tasks.NewJob(tasks.ActivatePromotion, JobArgs{PromotionID: id})
		require.NoError(t, err)
		require.NoError(t, f.queue.Enqueue(ctx, job.WithKey(ActivateKey(id))))
	}
	fanouts := 0
	r.Register(tasks.NotifyPromotion, func(context.Context, tasks.Job) error {
		fanouts++
		return nil
	})
	for {
		ran, err := r.RunOnce(ctx)
		require.NoError(t, err)
		if !ran {
			break
		}
	}
	require.Equal(t, 1, fanouts)

	p, _ := f.store.GetPromotion(ctx, 1)
	require.True(t, p.IsActive)
	// the missing promotion is not rescheduled
	require.Empty(t, f.jobs(tasks.ActivatePromotion))
}

func TestSweeperRunsEveryStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.PutPromotion(models.Promotion{ID: 1, StartDate: t0.Add(-5 * time.Hour), EndDate: t0.Add(-time.Hour), IsActive: true})
	f.store.PutPromotion(models.Promotion{ID: 2, StartDate: t0.Add(-time.Hour), EndDate: t0.Add(3 * time.Hour)})

	(&Sweeper{Scheduler: f.sched}).Sweep(ctx)

	p1, _ := f.store.GetPromotion(ctx, 1)
	p2, _ := f.store.GetPromotion(ctx, 2)
	require.False(t, p1.IsActive)
	require.True(t, p2.IsActive)
	require.NotNil(t, p2.LastRemindedAt)
	// activation fan-out plus the ending-soon reminder
	require.Len(t, f.jobs(tasks.NotifyPromotion), 2)
}

func TestSweeperStopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&Sweeper{Scheduler: f.sched, Interval: time.Hour}).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
