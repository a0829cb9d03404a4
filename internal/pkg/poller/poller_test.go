package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fetcherStub struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*Status, error)
}

func (f *fetcherStub) Fetch(ctx context.Context, reportID string) (*Status, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call)
}

func fastOptions() Options {
	return Options{Interval: 5 * time.Millisecond, Timeout: time.Second}
}

func TestPollerFiresCompletedOnce(t *testing.T) {
	fetcher := &fetcherStub{fn: func(call int) (*Status, error) {
		if call < 3 {
			return &Status{State: StateProcessing}, nil
		}
		return &Status{State: StateCompleted, Data: json.RawMessage(`{"summary":"ok"}`)}, nil
	}}

	var completed, failed int32
	p := New(fetcher, "r-1", fastOptions(), Callbacks{
		OnCompleted: func(s *Status) {
			atomic.AddInt32(&completed, 1)
			if len(s.Data) == 0 {
				t.Error("completed status missing data")
			}
		},
		OnFailed: func(*Status) { atomic.AddInt32(&failed, 1) },
	})

	p.Start(context.Background())

	if completed != 1 {
		t.Fatalf("OnCompleted fired %d times, want 1", completed)
	}
	if failed != 0 {
		t.Fatalf("OnFailed fired %d times, want 0", failed)
	}
	if fetcher.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3", fetcher.calls)
	}
}

func TestPollerFiresFailed(t *testing.T) {
	fetcher := &fetcherStub{fn: func(int) (*Status, error) {
		return &Status{State: StateFailed, Error: "analysis failed, credit refunded", RefundStatus: "refunded"}, nil
	}}

	var got *Status
	p := New(fetcher, "r-1", fastOptions(), Callbacks{
		OnFailed: func(s *Status) { got = s },
	})

	p.Start(context.Background())

	if got == nil {
		t.Fatal("OnFailed not fired")
	}
	if got.RefundStatus != "refunded" {
		t.Fatalf("refund status = %q, want refunded", got.RefundStatus)
	}
}

func TestPollerMissingReportIsTerminal(t *testing.T) {
	fetcher := &fetcherStub{fn: func(int) (*Status, error) { return nil, ErrNotFound }}

	var failed int32
	var errs int32
	p := New(fetcher, "r-gone", fastOptions(), Callbacks{
		OnFailed: func(*Status) { atomic.AddInt32(&failed, 1) },
		OnError:  func(error) { atomic.AddInt32(&errs, 1) },
	})

	p.Start(context.Background())

	if failed != 1 {
		t.Fatalf("OnFailed fired %d times, want 1", failed)
	}
	if errs != 0 {
		t.Fatalf("OnError fired %d times, want 0 for missing report", errs)
	}
}

func TestPollerSurvivesTransientErrors(t *testing.T) {
	fetcher := &fetcherStub{fn: func(call int) (*Status, error) {
		if call <= 2 {
			return nil, errors.New("connection refused")
		}
		return &Status{State: StateCompleted, Data: json.RawMessage(`{}`)}, nil
	}}

	var errs, completed int32
	p := New(fetcher, "r-1", fastOptions(), Callbacks{
		OnCompleted: func(*Status) { atomic.AddInt32(&completed, 1) },
		OnError:     func(error) { atomic.AddInt32(&errs, 1) },
	})

	p.Start(context.Background())

	if errs != 2 {
		t.Fatalf("OnError fired %d times, want 2", errs)
	}
	if completed != 1 {
		t.Fatalf("OnCompleted fired %d times, want 1", completed)
	}
}

func TestPollerTimesOut(t *testing.T) {
	fetcher := &fetcherStub{fn: func(int) (*Status, error) {
		return &Status{State: StateProcessing}, nil
	}}

	var timeouts int32
	opts := Options{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}
	p := New(fetcher, "r-slow", opts, Callbacks{
		OnTimeout: func() { atomic.AddInt32(&timeouts, 1) },
	})

	start := time.Now()
	p.Start(context.Background())

	if timeouts != 1 {
		t.Fatalf("OnTimeout fired %d times, want 1", timeouts)
	}
	if elapsed := time.Since(start); elapsed < opts.Timeout {
		t.Fatalf("timed out after %v, before the %v deadline", elapsed, opts.Timeout)
	}
	// The loop kept polling up to the deadline instead of bailing early.
	if fetcher.calls < 5 {
		t.Fatalf("fetch calls = %d, want at least 5 before timeout", fetcher.calls)
	}
}

func TestPollerStopEndsLoopSilently(t *testing.T) {
	fetcher := &fetcherStub{fn: func(int) (*Status, error) {
		return &Status{State: StateProcessing}, nil
	}}

	var fired int32
	p := New(fetcher, "r-1", fastOptions(), Callbacks{
		OnCompleted: func(*Status) { atomic.AddInt32(&fired, 1) },
		OnFailed:    func(*Status) { atomic.AddInt32(&fired, 1) },
		OnTimeout:   func() { atomic.AddInt32(&fired, 1) },
	})

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	if fired != 0 {
		t.Fatalf("terminal callback fired %d times after Stop, want 0", fired)
	}
}

func TestHTTPFetcherParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/reports/r-1/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"id":"r-1","status":"completed","data":{"summary":"ok"}}}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "tok", time.Second)
	status, err := f.Fetch(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if status.State != StateCompleted {
		t.Fatalf("state = %s, want completed", status.State)
	}
	if len(status.Data) == 0 {
		t.Fatal("missing data payload")
	}
}

func TestHTTPFetcherMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "tok", time.Second)
	if _, err := f.Fetch(context.Background(), "r-gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
