package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"judgeflow/internal/common/cache"
	appErr "judgeflow/pkg/errors"
)

// Keys under {prefix}:{topic}:
//
//	id            INCR counter for generated job ids
//	job:{id}      hash holding the job
//	wait          list, LPUSH on enqueue, RPOPLPUSH on claim
//	active        list of claimed jobs
//	lease:{id}    owner string with PX expiry, refreshed by the worker
//	delayed       zset of retrying jobs scored by due time (ms)
//	completed     zset scored by finish time (ms)
//	failed        zset scored by finish time (ms)

const enqueueScript = `
local base = KEYS[1]
local id = ARGV[1]
if id == '' then
  id = tostring(redis.call('INCR', base .. 'id'))
end
local jobKey = base .. 'job:' .. id
local state = redis.call('HGET', jobKey, 'state')
if state then
  if state ~= 'completed' and state ~= 'failed' then
    return false
  end
  redis.call('ZREM', base .. 'completed', id)
  redis.call('ZREM', base .. 'failed', id)
  redis.call('DEL', jobKey)
end
redis.call('HSET', jobKey,
  'id', id, 'data', ARGV[2], 'state', 'waiting', 'attemptsMade', 0,
  'maxAttempts', ARGV[3], 'backoffType', ARGV[4], 'backoffDelay', ARGV[5],
  'backoffMax', ARGV[6], 'keepCompleted', ARGV[7], 'keepFailed', ARGV[8],
  'timestamp', ARGV[9])
redis.call('LPUSH', base .. 'wait', id)
return id
`

const claimScript = `
local base = KEYS[1]
local due = redis.call('ZRANGEBYSCORE', base .. 'delayed', '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', base .. 'delayed', id)
  redis.call('HSET', base .. 'job:' .. id, 'state', 'waiting')
  redis.call('LPUSH', base .. 'wait', id)
end
local id = redis.call('RPOPLPUSH', base .. 'wait', base .. 'active')
if not id then
  return false
end
local jobKey = base .. 'job:' .. id
redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('HSET', jobKey, 'state', 'active', 'processedOn', ARGV[1], 'owner', ARGV[2])
redis.call('SET', base .. 'lease:' .. id, ARGV[2], 'PX', ARGV[3])
return id
`

const extendScript = `
local base = KEYS[1]
local id = ARGV[1]
if redis.call('HGET', base .. 'job:' .. id, 'owner') ~= ARGV[2] then
  return 0
end
redis.call('SET', base .. 'lease:' .. id, ARGV[2], 'PX', ARGV[3])
return 1
`

// trimFunction drops the oldest finished jobs beyond keep from a
// completed or failed set. Scripts that finish jobs include it.
const trimFunction = `
local function trim(base, target, keep)
  if not keep or keep <= 0 then
    return
  end
  local extra = redis.call('ZCARD', base .. target) - keep
  if extra > 0 then
    local old = redis.call('ZRANGE', base .. target, 0, extra - 1)
    for _, oldID in ipairs(old) do
      redis.call('DEL', base .. 'job:' .. oldID)
    end
    redis.call('ZREMRANGEBYRANK', base .. target, 0, extra - 1)
  end
end
`

// finishScript moves an owned active job to completed, failed or back to
// waiting/delayed. ARGV: id, owner, now, target state, due time, reason.
const finishScript = trimFunction + `
local base = KEYS[1]
local id = ARGV[1]
local jobKey = base .. 'job:' .. id
if redis.call('HGET', jobKey, 'owner') ~= ARGV[2] then
  return 0
end
redis.call('LREM', base .. 'active', 1, id)
redis.call('DEL', base .. 'lease:' .. id)
redis.call('HDEL', jobKey, 'owner')
local target = ARGV[4]
if ARGV[6] ~= '' then
  redis.call('HSET', jobKey, 'failedReason', ARGV[6])
end
if target == 'waiting' then
  redis.call('HSET', jobKey, 'state', 'waiting')
  redis.call('LPUSH', base .. 'wait', id)
  return 1
end
if target == 'delayed' then
  redis.call('HSET', jobKey, 'state', 'delayed')
  redis.call('ZADD', base .. 'delayed', ARGV[5], id)
  return 1
end
redis.call('HSET', jobKey, 'state', target, 'finishedOn', ARGV[3])
redis.call('ZADD', base .. target, ARGV[3], id)
local keepField = 'keepCompleted'
if target == 'failed' then
  keepField = 'keepFailed'
end
trim(base, target, tonumber(redis.call('HGET', jobKey, keepField) or '0'))
return 1
`

// reclaimScript returns stalled active jobs to the head of the waiting list,
// or fails them when no attempts are left. It returns the fields of each
// failed job, read before the failed set is trimmed.
const reclaimScript = trimFunction + `
local base = KEYS[1]
local now = ARGV[1]
local failed = {}
local active = redis.call('LRANGE', base .. 'active', 0, -1)
for _, id in ipairs(active) do
  if redis.call('EXISTS', base .. 'lease:' .. id) == 0 then
    local jobKey = base .. 'job:' .. id
    redis.call('LREM', base .. 'active', 1, id)
    redis.call('HDEL', jobKey, 'owner')
    local made = tonumber(redis.call('HGET', jobKey, 'attemptsMade') or '0')
    local max = tonumber(redis.call('HGET', jobKey, 'maxAttempts') or '1')
    if made >= max then
      redis.call('HSET', jobKey, 'state', 'failed', 'finishedOn', now, 'failedReason', 'lease expired')
      redis.call('ZADD', base .. 'failed', now, id)
      table.insert(failed, redis.call('HGETALL', jobKey))
      trim(base, 'failed', tonumber(redis.call('HGET', jobKey, 'keepFailed') or '0'))
    else
      redis.call('HSET', jobKey, 'state', 'waiting')
      redis.call('RPUSH', base .. 'wait', id)
    end
  end
end
return failed
`

// RedisQueue is a durable job queue stored in Redis. Job state lives entirely
// in Redis so that workers can crash and restart without losing work.
type RedisQueue struct {
	cache  cache.Cache
	prefix string
	now    func() time.Time
}

// NewRedisQueue creates a queue whose keys start with prefix.
func NewRedisQueue(c cache.Cache, prefix string) (*RedisQueue, error) {
	if c == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if prefix == "" {
		prefix = "judgeflow"
	}
	return &RedisQueue{cache: c, prefix: prefix, now: time.Now}, nil
}

func (q *RedisQueue) base(topic string) string {
	return q.prefix + ":" + topic + ":"
}

// Enqueue implements JobQueue.
func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload []byte, opts JobOptions) (string, error) {
	if topic == "" {
		return "", appErr.ValidationError("topic", "required")
	}
	opts.setDefaults()
	res, err := q.cache.Eval(ctx, enqueueScript, []string{q.base(topic)},
		opts.JobID,
		string(payload),
		opts.Attempts,
		string(opts.Backoff.Type),
		opts.Backoff.Delay.Milliseconds(),
		opts.Backoff.MaxDelay.Milliseconds(),
		opts.KeepCompleted,
		opts.KeepFailed,
		q.now().UnixMilli(),
	)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.QueueError, "enqueue job on %s failed", topic)
	}
	if res == nil {
		return "", appErr.New(appErr.TaskAlreadyQueued).WithDetail("jobId", opts.JobID)
	}
	id, ok := res.(string)
	if !ok {
		return "", appErr.Newf(appErr.QueueError, "unexpected enqueue reply %T", res)
	}
	return id, nil
}

// Get implements JobQueue.
func (q *RedisQueue) Get(ctx context.Context, topic, jobID string) (*Job, error) {
	fields, err := q.cache.HGetAll(ctx, q.base(topic)+"job:"+jobID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "load job %s failed", jobID)
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.JobNotFound).WithDetail("jobId", jobID)
	}
	return parseJob(topic, fields), nil
}

// Counts implements JobQueue.
func (q *RedisQueue) Counts(ctx context.Context, topic string) (JobCounts, error) {
	base := q.base(topic)
	var counts JobCounts
	var err error
	if counts.Waiting, err = q.cache.LLen(ctx, base+"wait"); err != nil {
		return counts, appErr.Wrap(err, appErr.QueueError)
	}
	if counts.Active, err = q.cache.LLen(ctx, base+"active"); err != nil {
		return counts, appErr.Wrap(err, appErr.QueueError)
	}
	if counts.Delayed, err = q.cache.ZCard(ctx, base+"delayed"); err != nil {
		return counts, appErr.Wrap(err, appErr.QueueError)
	}
	if counts.Completed, err = q.cache.ZCard(ctx, base+"completed"); err != nil {
		return counts, appErr.Wrap(err, appErr.QueueError)
	}
	if counts.Failed, err = q.cache.ZCard(ctx, base+"failed"); err != nil {
		return counts, appErr.Wrap(err, appErr.QueueError)
	}
	return counts, nil
}

// Failed lists the most recently failed jobs, newest first.
func (q *RedisQueue) Failed(ctx context.Context, topic string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	members, err := q.cache.ZRevRangeWithScores(ctx, q.base(topic)+"failed", 0, limit-1)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.QueueError)
	}
	jobs := make([]*Job, 0, len(members))
	for _, m := range members {
		job, err := q.Get(ctx, topic, m.Member)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Claim implements WorkSource.
func (q *RedisQueue) Claim(ctx context.Context, topic, owner string, lease time.Duration) (*Job, error) {
	res, err := q.cache.Eval(ctx, claimScript, []string{q.base(topic)},
		q.now().UnixMilli(), owner, leaseMillis(lease))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "claim on %s failed", topic)
	}
	if res == nil {
		return nil, nil
	}
	id, ok := res.(string)
	if !ok {
		return nil, appErr.Newf(appErr.QueueError, "unexpected claim reply %T", res)
	}
	return q.Get(ctx, topic, id)
}

// ExtendLease implements WorkSource.
func (q *RedisQueue) ExtendLease(ctx context.Context, job *Job, owner string, lease time.Duration) (bool, error) {
	res, err := q.cache.Eval(ctx, extendScript, []string{q.base(job.Topic)},
		job.ID, owner, leaseMillis(lease))
	if err != nil {
		return false, appErr.Wrap(err, appErr.QueueError)
	}
	return toInt64(res) == 1, nil
}

// Complete implements WorkSource.
func (q *RedisQueue) Complete(ctx context.Context, job *Job, owner string) error {
	return q.finish(ctx, job, owner, JobCompleted, 0, "")
}

// Fail implements WorkSource.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, owner string, step RetryStep, reason string) error {
	switch {
	case !step.Retry:
		return q.finish(ctx, job, owner, JobFailed, 0, reason)
	case step.Delay <= 0:
		return q.finish(ctx, job, owner, JobWaiting, 0, reason)
	default:
		due := q.now().Add(step.Delay).UnixMilli()
		return q.finish(ctx, job, owner, JobDelayed, due, reason)
	}
}

func (q *RedisQueue) finish(ctx context.Context, job *Job, owner string, target JobState, due int64, reason string) error {
	res, err := q.cache.Eval(ctx, finishScript, []string{q.base(job.Topic)},
		job.ID, owner, q.now().UnixMilli(), string(target), due, reason)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "move job %s to %s failed", job.ID, target)
	}
	if toInt64(res) != 1 {
		return appErr.New(appErr.JobLeaseLost).WithDetail("jobId", job.ID)
	}
	return nil
}

// Reclaim implements WorkSource.
func (q *RedisQueue) Reclaim(ctx context.Context, topic string) ([]*Job, error) {
	res, err := q.cache.Eval(ctx, reclaimScript, []string{q.base(topic)}, q.now().UnixMilli())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueError, "reclaim on %s failed", topic)
	}
	entries, _ := res.([]interface{})
	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		flat, ok := entry.([]interface{})
		if !ok {
			continue
		}
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			fields[k] = v
		}
		if fields["id"] == "" {
			continue
		}
		jobs = append(jobs, parseJob(topic, fields))
	}
	return jobs, nil
}

func parseJob(topic string, fields map[string]string) *Job {
	job := &Job{
		ID:           fields["id"],
		Topic:        topic,
		Payload:      []byte(fields["data"]),
		State:        JobState(fields["state"]),
		AttemptsMade: atoi(fields["attemptsMade"]),
		MaxAttempts:  atoi(fields["maxAttempts"]),
		Backoff: BackoffPolicy{
			Type:     BackoffType(fields["backoffType"]),
			Delay:    time.Duration(atoi(fields["backoffDelay"])) * time.Millisecond,
			MaxDelay: time.Duration(atoi(fields["backoffMax"])) * time.Millisecond,
		},
		CreatedAt:    millisToTime(fields["timestamp"]),
		ProcessedAt:  millisToTime(fields["processedOn"]),
		FinishedAt:   millisToTime(fields["finishedOn"]),
		FailedReason: fields["failedReason"],
	}
	return job
}

func leaseMillis(lease time.Duration) int64 {
	ms := lease.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return ms
}

func atoi(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func millisToTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

var (
	_ JobQueue   = (*RedisQueue)(nil)
	_ WorkSource = (*RedisQueue)(nil)
)
