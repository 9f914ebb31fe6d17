package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps due times in a sorted set, payloads in a hash and
// claimed jobs in a second sorted set scored by visibility deadline.
type RedisQueue struct {
	client     redis.UniversalClient
	scheduled  string
	inflight   string
	payload    string
	visibility time.Duration
}

func NewRedisQueue(client redis.UniversalClient, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "tasks"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		scheduled:  name + ":scheduled",
		inflight:   name + ":inflight",
		payload:    name + ":payload",
		visibility: visibility,
	}
}

var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// retryScript reschedules only while the payload under the member still
// belongs to the same job id.
var retryScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[3], ARGV[1])
if cur and not string.find(cur, ARGV[4], 1, true) then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 32)
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZADD', KEYS[1], 'NX', ARGV[1], m)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
local m = due[1]
redis.call('ZREM', KEYS[1], m)
local p = redis.call('HGET', KEYS[3], m)
if not p then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], m)
return p
`)

var ackScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[3], ARGV[1])
if cur and not string.find(cur, ARGV[2], 1, true) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('HDEL', KEYS[3], ARGV[1])
end
return 1
`)

func (q *RedisQueue) keys() []string { return []string{q.scheduled, q.inflight, q.payload} }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	return q.EnqueueAt(ctx, job, time.Now())
}

func (q *RedisQueue) EnqueueAt(ctx context.Context, job Job, at time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.RunAt = at
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return enqueueScript.Run(ctx, q.client, q.keys(), job.member(), score(at), b).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, job Job, at time.Time) (bool, error) {
	job.RunAt = at
	b, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	n, err := retryScript.Run(ctx, q.client, q.keys(), job.member(), score(at), b, idField(job.ID)).Int()
	return n == 1, err
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time) (*Job, error) {
	raw, err := claimScript.Run(ctx, q.client, q.keys(), score(now), score(now.Add(q.visibility))).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	return ackScript.Run(ctx, q.client, q.keys(), job.member(), idField(job.ID)).Err()
}

// idField is how a job's id appears in its JSON payload.
func idField(id string) string { return `"id":` + strconv.Quote(id) }

func score(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
