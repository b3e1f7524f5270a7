// Package queue is a small redis backed job queue with delayed, repeatable
// and uniquely identified jobs.
//
// Every job lives in a hash. Jobs waiting to run sit in a sorted set scored
// by the unix millisecond at which they become due; a job that is due is
// simply one whose score has passed. Workers move claimed jobs into an
// active set scored by their lease deadline, and jobs whose lease runs out
// are handed back to the delayed set.
package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tl:queue"

var ErrJobNotFound = errors.New("job not found")

var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "name", ARGV[1], "data", ARGV[2], "timestamp", ARGV[3], "delay", ARGV[4], "every", ARGV[5], "attempts", 0)
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[7])
return 1
`)

var changeDelayScript = redis.NewScript(`
if not redis.call("ZSCORE", KEYS[2], ARGV[2]) then
	return 0
end
local ts = tonumber(redis.call("HGET", KEYS[1], "timestamp"))
if not ts then
	return 0
end
redis.call("HSET", KEYS[1], "delay", ARGV[1])
redis.call("ZADD", KEYS[2], ts + tonumber(ARGV[1]), ARGV[2])
return 1
`)

var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("ZADD", KEYS[1], ARGV[1], id)
end
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
	return false
end
redis.call("ZREM", KEYS[1], due[1])
redis.call("ZADD", KEYS[2], ARGV[2], due[1])
return due[1]
`)

// JobOptions controls how a job is scheduled.
type JobOptions struct {
	// JobID makes Add idempotent: adding a job whose id already exists
	// returns the existing job. A random id is used when empty.
	JobID string
	// Delay postpones the first run.
	Delay time.Duration
	// Every turns the job into a repeatable job that is rescheduled after
	// each run.
	Every time.Duration
}

// Job is a snapshot of a queued job.
type Job struct {
	ID        string
	Name      string
	Data      []byte
	Timestamp time.Time
	Delay     time.Duration
	Every     time.Duration
	Attempts  int

	queue *Queue
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	return errors.Wrapf(json.Unmarshal(j.Data, v), "error decoding job %s", j.ID)
}

// ChangeDelay moves the due time of a waiting job to Timestamp + delay.
func (j *Job) ChangeDelay(ctx context.Context, delay time.Duration) error {
	if err := j.queue.ChangeDelay(ctx, j.ID, delay); err != nil {
		return err
	}
	j.Delay = delay
	return nil
}

type Queue struct {
	name  string
	db    redis.UniversalClient
	clock func() time.Time
}

type Option func(*Queue)

// WithClock replaces the time source used for scheduling.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

func New(name string, db redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{name: name, db: db, clock: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) prefix() string {
	return keyPrefix + ":" + q.name
}

func (q *Queue) jobKey(id string) string {
	return q.prefix() + ":job:" + id
}

func (q *Queue) delayedKey() string {
	return q.prefix() + ":delayed"
}

func (q *Queue) activeKey() string {
	return q.prefix() + ":active"
}

func (q *Queue) failedKey() string {
	return q.prefix() + ":failed"
}

// Add schedules a job. When opts.JobID names an existing job nothing is
// scheduled and the existing job is returned.
func (q *Queue) Add(ctx context.Context, name string, data interface{}, opts JobOptions) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding %s job", name)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := q.clock()
	due := now.Add(opts.Delay)

	added, err := addScript.Run(ctx, q.db, []string{q.jobKey(id), q.delayedKey()},
		name,
		payload,
		now.UnixMilli(),
		opts.Delay.Milliseconds(),
		opts.Every.Milliseconds(),
		due.UnixMilli(),
		id,
	).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "error adding job %s to queue %s", id, q.name)
	}
	if added == 0 {
		return q.GetJob(ctx, id)
	}
	return &Job{
		ID:        id,
		Name:      name,
		Data:      payload,
		Timestamp: time.UnixMilli(now.UnixMilli()),
		Delay:     opts.Delay,
		Every:     opts.Every,
		queue:     q,
	}, nil
}

// GetJob loads a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.db.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error loading job %s", id)
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s in queue %s", id, q.name)
	}
	timestamp, _ := strconv.ParseInt(fields["timestamp"], 10, 64)
	delay, _ := strconv.ParseInt(fields["delay"], 10, 64)
	every, _ := strconv.ParseInt(fields["every"], 10, 64)
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &Job{
		ID:        id,
		Name:      fields["name"],
		Data:      []byte(fields["data"]),
		Timestamp: time.UnixMilli(timestamp),
		Delay:     time.Duration(delay) * time.Millisecond,
		Every:     time.Duration(every) * time.Millisecond,
		Attempts:  attempts,
		queue:     q,
	}, nil
}

// FindByPrefix returns a waiting job whose id starts with prefix, or nil when
// there is none.
func (q *Queue) FindByPrefix(ctx context.Context, prefix string) (*Job, error) {
	iter := q.db.ZScan(ctx, q.delayedKey(), 0, escapeGlob(prefix)+"*", 100).Iterator()
	// ZSCAN yields member, score pairs
	isMember := true
	for iter.Next(ctx) {
		if !isMember {
			isMember = true
			continue
		}
		isMember = false
		job, err := q.GetJob(ctx, iter.Val())
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		return job, err
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "error scanning queue %s", q.name)
	}
	return nil, nil
}

// HasPending reports whether a job whose id starts with prefix is waiting.
func (q *Queue) HasPending(ctx context.Context, prefix string) (bool, error) {
	job, err := q.FindByPrefix(ctx, prefix)
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

// ChangeDelay reschedules a waiting job to run at its Timestamp + delay.
// Jobs that already started or finished return ErrJobNotFound.
func (q *Queue) ChangeDelay(ctx context.Context, id string, delay time.Duration) error {
	changed, err := changeDelayScript.Run(ctx, q.db, []string{q.jobKey(id), q.delayedKey()},
		delay.Milliseconds(), id).Int()
	if err != nil {
		return errors.Wrapf(err, "error changing delay of job %s", id)
	}
	if changed == 0 {
		return errors.Wrapf(ErrJobNotFound, "job %s is not waiting in queue %s", id, q.name)
	}
	return nil
}

// CountDelayed is the number of jobs waiting to run.
func (q *Queue) CountDelayed(ctx context.Context) (int64, error) {
	n, err := q.db.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "error counting jobs in queue %s", q.name)
	}
	return n, nil
}

// claim takes the next due job and leases it until now + lease.
func (q *Queue) claim(ctx context.Context, lease time.Duration) (*Job, error) {
	now := q.clock()
	id, err := claimScript.Run(ctx, q.db, []string{q.delayedKey(), q.activeKey()},
		now.UnixMilli(), now.Add(lease).UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error claiming job from queue %s", q.name)
	}
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.db.ZRem(ctx, q.activeKey(), id)
		return nil, nil
	}
	return job, err
}

// complete removes a finished job, or reschedules it when it repeats.
func (q *Queue) complete(ctx context.Context, job *Job) error {
	_, err := q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		if job.Every > 0 {
			now := q.clock()
			pipe.HSet(ctx, q.jobKey(job.ID), "timestamp", now.UnixMilli(), "delay", job.Every.Milliseconds(), "attempts", 0)
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.Add(job.Every).UnixMilli()), Member: job.ID})
			return nil
		}
		pipe.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	return errors.Wrapf(err, "error completing job %s", job.ID)
}

// retry puts a failed job back with a delay, or gives up on it after
// maxAttempts and records the failure.
func (q *Queue) retry(ctx context.Context, job *Job, cause error, maxAttempts int, backoff time.Duration) error {
	attempts := job.Attempts + 1
	_, err := q.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		if attempts < maxAttempts || job.Every > 0 {
			pipe.HSet(ctx, q.jobKey(job.ID), "attempts", attempts)
			due := q.clock().Add(backoff * time.Duration(attempts))
			if job.Every > 0 {
				due = q.clock().Add(job.Every)
			}
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
			return nil
		}
		pipe.HSet(ctx, q.failedKey(), job.ID, cause.Error())
		pipe.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	return errors.Wrapf(err, "error rescheduling failed job %s", job.ID)
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
