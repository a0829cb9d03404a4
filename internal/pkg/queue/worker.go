package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Handler processes one dequeued job. A returned error triggers the
// retry/backoff policy; a panic is recovered and treated the same way.
type Handler func(ctx context.Context, job *Job) error

// JobResult is the single terminal notification for a job: either the
// job completed, or it exhausted its attempts and Err carries the last
// handler error. Exactly one JobResult is emitted per job run.
type JobResult struct {
	Job *Job
	Err error
}

// WorkerOptions tune a worker pool.
type WorkerOptions struct {
	Concurrency int           // simultaneous handler invocations (default 5)
	RatePerSec  int           // token bucket dispatch cap (default 10)
	MaxAttempts int           // retry ceiling (default 3)
	BackoffBase time.Duration // first retry delay, doubles per attempt (default 3s)
	JobTimeout  time.Duration // per-attempt handler deadline (default 2m)

	// Terminal job retention; operational inspection only, the domain
	// entity is the system of record for outcomes.
	CompletedRetention time.Duration // default 24h
	CompletedMaxCount  int64         // default 1000
	FailedRetention    time.Duration // default 7d

	PollInterval time.Duration // idle dequeue poll (default 250ms)
}

func (o *WorkerOptions) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 3 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Minute
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 24 * time.Hour
	}
	if o.CompletedMaxCount <= 0 {
		o.CompletedMaxCount = 1000
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 7 * 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
}

// Worker runs a bounded pool of handler goroutines against a queue.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	limiter *tokenBucket
	results chan JobResult
	wg      sync.WaitGroup
}

// NewWorker creates a worker pool for the queue. Call Start to begin
// processing and consume Results for terminal notifications.
func NewWorker(q *Queue, handler Handler, opts WorkerOptions) *Worker {
	opts.withDefaults()
	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		limiter: newTokenBucket(float64(opts.RatePerSec), float64(opts.RatePerSec)),
		results: make(chan JobResult, 64),
	}
}

// Results delivers exactly one JobResult per terminal job. The channel
// closes after Start's context is cancelled and in-flight handlers
// drain.
func (w *Worker) Results() <-chan JobResult {
	return w.results
}

// Start launches the dispatcher and runner goroutines. It returns
// immediately; cancel the context to stop. In-flight handlers finish
// their current attempt before shutdown completes.
func (w *Worker) Start(ctx context.Context) {
	jobs := make(chan *Job)

	w.wg.Add(1)
	go w.dispatch(ctx, jobs)

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, jobs)
	}

	go func() {
		w.wg.Wait()
		close(w.results)
	}()
}

func (w *Worker) dispatch(ctx context.Context, jobs chan<- *Job) {
	defer w.wg.Done()
	defer close(jobs)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("queue", w.queue.Name()).Msg("Failed to promote delayed jobs")
		}

		id, err := w.queue.rdb.RPop(ctx, w.queue.waitKey()).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				log.Error().Err(err).Str("queue", w.queue.Name()).Msg("Failed to pop job")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		job, err := w.queue.getJob(ctx, id)
		if err != nil {
			// The id is already popped; losing it here would leave the
			// job body orphaned and its id deduplicated forever.
			log.Error().Err(err).Str("job_id", id).Msg("Failed to load job, requeueing")
			w.requeue(id)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		if job == nil {
			// Stale id without a body; nothing to run.
			log.Warn().Str("job_id", id).Msg("Dropping job id without stored job")
			continue
		}

		// Rate limit dispatch independently of pool concurrency.
		if err := w.limiter.wait(ctx); err != nil {
			w.requeue(id)
			return
		}

		select {
		case jobs <- job:
		case <-ctx.Done():
			w.requeue(id)
			return
		}
	}
}

// requeue puts a popped id back on the wait list so a later worker can
// pick it up. Runs on a background context; the caller may be shutting
// down.
func (w *Worker) requeue(id string) {
	if err := w.queue.rdb.RPush(context.Background(), w.queue.waitKey(), id).Err(); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Failed to requeue job")
	}
}

func (w *Worker) run(ctx context.Context, jobs <-chan *Job) {
	defer w.wg.Done()

	for job := range jobs {
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	job.Attempts++
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = w.opts.MaxAttempts
	}

	jctx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	err := w.safeHandle(jctx, job)
	cancel()

	if err == nil {
		job.LastError = ""
		w.finish(ctx, job, w.queue.completedKey(), nil)
		return
	}

	job.LastError = err.Error()

	if IsUnrecoverable(err) {
		log.Error().
			Err(err).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Msg("Job failed permanently, moving to failed")
		w.finish(ctx, job, w.queue.failedKey(), err)
		return
	}

	if job.Attempts < job.MaxAttempts {
		backoff := w.opts.BackoffBase << (job.Attempts - 1)
		log.Warn().
			Err(err).
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Dur("backoff", backoff).
			Msg("Job attempt failed, retrying")

		if serr := w.queue.saveJob(ctx, job); serr != nil {
			log.Error().Err(serr).Str("job_id", job.ID).Msg("Failed to persist job attempt")
		}
		if serr := w.queue.pushWait(ctx, job.ID, job.Priority, backoff); serr != nil {
			log.Error().Err(serr).Str("job_id", job.ID).Msg("Failed to schedule retry")
		}
		return
	}

	log.Error().
		Err(err).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Msg("Job exhausted attempts, moving to failed")

	w.finish(ctx, job, w.queue.failedKey(), err)
}

func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// finish records the terminal state and emits the job's single result.
func (w *Worker) finish(ctx context.Context, job *Job, terminalKey string, handlerErr error) {
	if err := w.queue.saveJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist terminal job")
	}

	now := time.Now()
	if err := w.queue.rdb.ZAdd(ctx, terminalKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record terminal state")
	}

	w.trimRetention(ctx, now)

	// Unconditional send: results is closed only after wg.Wait, so this
	// cannot race the close, and bailing out on ctx.Done would drop the
	// job's single terminal notification during shutdown.
	w.results <- JobResult{Job: job, Err: handlerErr}
}

// promoteDelayed moves due delayed jobs into the wait list.
func (w *Worker) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := w.queue.rdb.ZRangeByScore(ctx, w.queue.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := w.queue.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, w.queue.delayedKey(), id)
		pipe.LPush(ctx, w.queue.waitKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	return nil
}

func (w *Worker) trimRetention(ctx context.Context, now time.Time) {
	w.trimByAge(ctx, w.queue.completedKey(), now.Add(-w.opts.CompletedRetention))
	w.trimByAge(ctx, w.queue.failedKey(), now.Add(-w.opts.FailedRetention))
	w.trimByCount(ctx, w.queue.completedKey(), w.opts.CompletedMaxCount)
}

func (w *Worker) trimByAge(ctx context.Context, key string, cutoff time.Time) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)

	ids, err := w.queue.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	pipe := w.queue.rdb.TxPipeline()
	pipe.HDel(ctx, w.queue.jobsKey(), ids...)
	pipe.ZRemRangeByScore(ctx, key, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to trim jobs by age")
	}
}

func (w *Worker) trimByCount(ctx context.Context, key string, keep int64) {
	count, err := w.queue.rdb.ZCard(ctx, key).Result()
	if err != nil || count <= keep {
		return
	}

	excess := count - keep
	ids, err := w.queue.rdb.ZRange(ctx, key, 0, excess-1).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	pipe := w.queue.rdb.TxPipeline()
	pipe.HDel(ctx, w.queue.jobsKey(), ids...)
	pipe.ZRemRangeByRank(ctx, key, 0, excess-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to trim jobs by count")
	}
}
