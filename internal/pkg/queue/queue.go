package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same id is
// already pending or running. Callers that only need at-most-one
// in-flight job per id can treat it as success.
var ErrDuplicateJob = errors.New("job already enqueued")

// Job is a unit of queued work. Owned by the queue once enqueued;
// application code never mutates it directly.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Option mutates EnqueueOptions.
type Option func(*EnqueueOptions)

// WithPriority marks the job as high priority; it jumps ahead of
// normal jobs in the wait queue.
func WithPriority(p int) Option {
	return func(o *EnqueueOptions) { o.Priority = p }
}

// WithDelay keeps the job invisible to workers until the delay passes.
func WithDelay(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithMaxAttempts overrides the per-job retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// Queue is a Redis-backed durable job queue. Jobs live in a hash keyed
// by job id; the wait list, delayed set and terminal sets hold ids only.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New creates a queue bound to a Redis client.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) jobsKey() string      { return "queue:" + q.name + ":jobs" }
func (q *Queue) waitKey() string      { return "queue:" + q.name + ":wait" }
func (q *Queue) delayedKey() string   { return "queue:" + q.name + ":delayed" }
func (q *Queue) completedKey() string { return "queue:" + q.name + ":completed" }
func (q *Queue) failedKey() string    { return "queue:" + q.name + ":failed" }

// Enqueue adds a job with a caller-supplied id. The id must be derived
// deterministically from the work's subject (report id), which is what
// guarantees at most one in-flight job per subject: if the id is
// already pending or running the call returns ErrDuplicateJob and the
// queue is unchanged. A finished job id may be enqueued again.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any, opts ...Option) (string, error) {
	options := EnqueueOptions{MaxAttempts: 3}
	for _, opt := range opts {
		opt(&options)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := Job{
		ID:          id,
		Queue:       q.name,
		Payload:     data,
		Priority:    options.Priority,
		MaxAttempts: options.MaxAttempts,
		EnqueuedAt:  time.Now(),
	}

	raw, err := json.Marshal(&job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	created, err := q.rdb.HSetNX(ctx, q.jobsKey(), id, raw).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store job: %w", err)
	}

	if !created {
		finished, err := q.isFinished(ctx, id)
		if err != nil {
			return "", err
		}
		if !finished {
			return id, ErrDuplicateJob
		}

		// Previous run finished; clear its terminal record and reuse the id.
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.completedKey(), id)
		pipe.ZRem(ctx, q.failedKey(), id)
		pipe.HSet(ctx, q.jobsKey(), id, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", fmt.Errorf("failed to re-enqueue job: %w", err)
		}
	}

	if err := q.pushWait(ctx, id, options.Priority, options.Delay); err != nil {
		// Roll back the stored body: a body without a wait entry would
		// make every later Enqueue for this id a false duplicate.
		if derr := q.rdb.HDel(context.Background(), q.jobsKey(), id).Err(); derr != nil {
			log.Error().Err(derr).Str("job_id", id).Msg("Failed to roll back half-enqueued job")
		}
		return "", err
	}

	return id, nil
}

func (q *Queue) pushWait(ctx context.Context, id string, priority int, delay time.Duration) error {
	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: id}).Err(); err != nil {
			return fmt.Errorf("failed to delay job: %w", err)
		}
		return nil
	}

	// Workers pop from the right: RPUSH puts high priority jobs at the
	// front of the line, LPUSH keeps FIFO order for the rest.
	if priority > 0 {
		if err := q.rdb.RPush(ctx, q.waitKey(), id).Err(); err != nil {
			return fmt.Errorf("failed to push job: %w", err)
		}
		return nil
	}

	if err := q.rdb.LPush(ctx, q.waitKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

func (q *Queue) isFinished(ctx context.Context, id string) (bool, error) {
	for _, key := range []string{q.completedKey(), q.failedKey()} {
		_, err := q.rdb.ZScore(ctx, key, id).Result()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("failed to check job state: %w", err)
		}
	}
	return false, nil
}

// getJob loads a job by id from the jobs hash.
func (q *Queue) getJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.HGet(ctx, q.jobsKey(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.jobsKey(), job.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// PendingCount returns the number of jobs waiting to run (delayed jobs
// excluded). Operational metric only.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.waitKey()).Result()
}
