package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:  2,
		RatePerSec:   1000,
		MaxAttempts:  3,
		BackoffBase:  10 * time.Millisecond,
		JobTimeout:   time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func waitResult(t *testing.T, w *Worker, timeout time.Duration) JobResult {
	t.Helper()

	select {
	case res, ok := <-w.Results():
		if !ok {
			t.Fatal("results channel closed before a result arrived")
		}
		return res
	case <-time.After(timeout):
		t.Fatal("timed out waiting for job result")
	}
	return JobResult{}
}

func TestWorkerCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	w := NewWorker(q, func(_ context.Context, job *Job) error {
		var p testPayload
		if err := job.DecodePayload(&p); err != nil {
			return err
		}
		if p.ReportID != "report-1" {
			t.Errorf("unexpected payload: %+v", p)
		}
		handled.Add(1)
		return nil
	}, fastOptions())

	if _, err := q.Enqueue(ctx, "analysis:report-1", testPayload{ReportID: "report-1"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.Start(ctx)

	res := waitResult(t, w, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Job.ID != "analysis:report-1" {
		t.Fatalf("unexpected job id %q", res.Job.ID)
	}
	if handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", handled.Load())
	}

	if err := q.rdb.ZScore(ctx, q.completedKey(), "analysis:report-1").Err(); err != nil {
		t.Fatalf("job not in completed set: %v", err)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlerErr := errors.New("vision api unavailable")
	var attempts atomic.Int32
	w := NewWorker(q, func(context.Context, *Job) error {
		attempts.Add(1)
		return handlerErr
	}, fastOptions())

	if _, err := q.Enqueue(ctx, "analysis:report-1", testPayload{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.Start(ctx)

	res := waitResult(t, w, 5*time.Second)
	if res.Err == nil {
		t.Fatal("expected terminal failure result")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("handler ran %d times, want 3", got)
	}
	if res.Job.Attempts != 3 {
		t.Fatalf("job recorded %d attempts, want 3", res.Job.Attempts)
	}
	if res.Job.LastError == "" {
		t.Fatal("expected last error to be recorded on the job")
	}

	if err := q.rdb.ZScore(ctx, q.failedKey(), "analysis:report-1").Err(); err != nil {
		t.Fatalf("job not in failed set: %v", err)
	}
}

func TestWorkerRequeuesPoppedJobOnShutdown(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	opts := fastOptions()
	opts.Concurrency = 1
	opts.RatePerSec = 1 // second dispatch parks in the limiter

	w := NewWorker(q, func(context.Context, *Job) error { return nil }, opts)

	for _, id := range []string{"analysis:r-1", "analysis:r-2"} {
		if _, err := q.Enqueue(ctx, id, testPayload{}); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	w.Start(ctx)

	first := waitResult(t, w, 2*time.Second)
	if first.Err != nil {
		t.Fatalf("first job failed: %v", first.Err)
	}

	// Give the dispatcher time to pop the second id, then shut down
	// while it waits for a token.
	time.Sleep(50 * time.Millisecond)
	cancel()
	for range w.Results() {
	}

	waiting, err := q.rdb.LRange(context.Background(), q.waitKey(), 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange failed: %v", err)
	}
	if len(waiting) != 1 || waiting[0] != "analysis:r-2" {
		t.Fatalf("wait list = %v, want the abandoned job back on it", waiting)
	}

	// The id must still be runnable: a fresh worker picks it up.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	w2 := NewWorker(q, func(context.Context, *Job) error { return nil }, fastOptions())
	w2.Start(ctx2)

	res := waitResult(t, w2, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("requeued job failed: %v", res.Err)
	}
	if res.Job.ID != "analysis:r-2" {
		t.Fatalf("ran job %s, want analysis:r-2", res.Job.ID)
	}
}

func TestWorkerDeliversResultWhenShutdownRacesCompletion(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fastOptions()
	opts.Concurrency = 1
	w := NewWorker(q, func(context.Context, *Job) error {
		// Shutdown lands while the job is finishing.
		cancel()
		return nil
	}, opts)

	if _, err := q.Enqueue(ctx, "analysis:r-1", testPayload{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.Start(ctx)

	res := waitResult(t, w, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Job.ID != "analysis:r-1" {
		t.Fatalf("unexpected job id %q", res.Job.ID)
	}
}

func TestWorkerFailsImmediatelyOnUnrecoverable(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cause := errors.New("payload references a deleted report")
	var attempts atomic.Int32
	w := NewWorker(q, func(context.Context, *Job) error {
		attempts.Add(1)
		return Unrecoverable(cause)
	}, fastOptions())

	if _, err := q.Enqueue(ctx, "analysis:report-1", testPayload{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.Start(ctx)

	res := waitResult(t, w, 2*time.Second)
	if res.Err == nil {
		t.Fatal("expected terminal failure result")
	}
	if !errors.Is(res.Err, cause) {
		t.Fatalf("result error %v does not wrap the handler error", res.Err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}

	if err := q.rdb.ZScore(ctx, q.failedKey(), "analysis:report-1").Err(); err != nil {
		t.Fatalf("job not in failed set: %v", err)
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fastOptions()
	opts.MaxAttempts = 1
	w := NewWorker(q, func(context.Context, *Job) error {
		panic("boom")
	}, opts)

	if _, err := q.Enqueue(ctx, "analysis:report-1", testPayload{}, WithMaxAttempts(1)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.Start(ctx)

	res := waitResult(t, w, 2*time.Second)
	if res.Err == nil {
		t.Fatal("expected panic to surface as a failure")
	}
}

func TestWorkerEmitsExactlyOneResultPerJob(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWorker(q, func(_ context.Context, job *Job) error {
		if job.ID == "job-bad" {
			return errors.New("failed")
		}
		return nil
	}, fastOptions())

	ids := []string{"job-ok-1", "job-bad", "job-ok-2"}
	for _, id := range ids {
		if _, err := q.Enqueue(ctx, id, testPayload{}, WithMaxAttempts(1)); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	w.Start(ctx)

	seen := make(map[string]int)
	for i := 0; i < len(ids); i++ {
		res := waitResult(t, w, 3*time.Second)
		seen[res.Job.ID]++
	}

	cancel()
	for range w.Results() {
		t.Fatal("received result after all jobs were accounted for")
	}

	for _, id := range ids {
		if seen[id] != 1 {
			t.Fatalf("job %s produced %d results, want 1", id, seen[id])
		}
	}
}

func TestWorkerConcurrencyBound(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var current, peak atomic.Int32
	opts := fastOptions()
	opts.Concurrency = 2
	w := NewWorker(q, func(context.Context, *Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil
	}, opts)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if _, err := q.Enqueue(ctx, "job-"+id, testPayload{}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	w.Start(ctx)

	for i := 0; i < 6; i++ {
		waitResult(t, w, 5*time.Second)
	}

	if p := peak.Load(); p > 2 {
		t.Fatalf("observed %d concurrent handlers, bound is 2", p)
	}
}

func TestTokenBucketThrottles(t *testing.T) {
	// 50/s with burst 1: 5 tokens should need roughly 80ms+.
	b := newTokenBucket(50, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := b.wait(ctx); err != nil {
			t.Fatalf("wait failed: %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("5 tokens at 50/s took %v, expected >= 60ms", elapsed)
	}
}
