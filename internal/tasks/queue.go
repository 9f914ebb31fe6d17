package tasks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job names dispatched by the runner.
const (
	AssignNearest       = "delivery.assign_nearest"
	ActivatePromotion   = "promotion.activate"
	DeactivatePromotion = "promotion.deactivate"
	NotifyUser          = "notify.user"
	NotifyPromotion     = "notify.promotion"
)

// Job is one unit of background work. Key, when set, is the dedupe
// identity: scheduling a job whose key is already queued replaces it.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args"`
	Key     string          `json:"key,omitempty"`
	Attempt int             `json:"attempt"`
	RunAt   time.Time       `json:"run_at"`
}

func NewJob(name string, args any) (Job, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return Job{}, err
	}
	return Job{ID: uuid.NewString(), Name: name, Args: b}, nil
}

// WithKey sets the dedupe key.
func (j Job) WithKey(key string) Job {
	j.Key = key
	return j
}

func (j Job) Decode(dst any) error { return json.Unmarshal(j.Args, dst) }

func (j Job) member() string {
	if j.Key != "" {
		return j.Key
	}
	return j.ID
}

// Queue is a durable at-least-once job queue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueAt(ctx context.Context, job Job, at time.Time) error
	// Claim hands out the earliest due job, or nil when none is due. A
	// claimed job that is not acked or rescheduled within the visibility
	// timeout becomes due again.
	Claim(ctx context.Context, now time.Time) (*Job, error)
	Ack(ctx context.Context, job Job) error
	// Retry puts a claimed job back for another attempt at at. It reports
	// false and drops the attempt when the job's key was scheduled again
	// while it ran; the newer schedule wins.
	Retry(ctx context.Context, job Job, at time.Time) (bool, error)
}

type memEntry struct {
	job      Job
	deadline time.Time
}

// MemoryQueue is a process-local Queue.
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	scheduled  map[string]Job
	inflight   map[string]memEntry
	now        func() time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		visibility: visibility,
		scheduled:  make(map[string]Job),
		inflight:   make(map[string]memEntry),
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	return q.EnqueueAt(ctx, job, q.now())
}

func (q *MemoryQueue) EnqueueAt(_ context.Context, job Job, at time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.RunAt = at
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[job.member()] = job
	delete(q.inflight, job.member())
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for m, e := range q.inflight {
		if !e.deadline.After(now) {
			delete(q.inflight, m)
			if _, ok := q.scheduled[m]; !ok {
				q.scheduled[m] = e.job
			}
		}
	}
	var best *Job
	for _, j := range q.scheduled {
		if j.RunAt.After(now) {
			continue
		}
		if best == nil || j.RunAt.Before(best.RunAt) ||
			(j.RunAt.Equal(best.RunAt) && j.member() < best.member()) {
			c := j
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	delete(q.scheduled, best.member())
	q.inflight[best.member()] = memEntry{job: *best, deadline: now.Add(q.visibility)}
	return best, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.inflight[job.member()]; ok && e.job.ID == job.ID {
		delete(q.inflight, job.member())
	}
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job Job, at time.Time) (bool, error) {
	m := job.member()
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.scheduled[m]; ok && cur.ID != job.ID {
		return false, nil
	}
	if e, ok := q.inflight[m]; ok && e.job.ID != job.ID {
		return false, nil
	}
	job.RunAt = at
	delete(q.inflight, m)
	q.scheduled[m] = job
	return true, nil
}

// Pending lists scheduled jobs ordered by run time.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.scheduled))
	for _, j := range q.scheduled {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].member() < out[j].member()
	})
	return out
}
