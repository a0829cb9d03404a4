package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by a Fetcher when the report does not exist.
// The poller treats it as terminal: a report that vanished will not
// reappear on the next tick.
var ErrNotFound = errors.New("report not found")

const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Status is one polled snapshot of a report.
type Status struct {
	ID           string          `json:"id"`
	State        string          `json:"status"`
	Progress     *float64        `json:"progress,omitempty"`
	Error        string          `json:"error,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	RefundStatus string          `json:"refund_status,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether the snapshot ends polling.
func (s *Status) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// Fetcher retrieves the current report status.
type Fetcher interface {
	Fetch(ctx context.Context, reportID string) (*Status, error)
}

// Callbacks receive poll outcomes. Exactly one of OnCompleted, OnFailed
// or OnTimeout fires per poll run; OnError may fire any number of times
// for transient fetch failures before that.
type Callbacks struct {
	OnCompleted func(*Status)
	OnFailed    func(*Status)
	OnTimeout   func()
	OnError     func(error)
}

// Options tune the poll loop.
type Options struct {
	Interval time.Duration // tick spacing (default 2s)
	Timeout  time.Duration // overall deadline per run (default 60s)
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
}

// Poller watches one report until it settles, times out or is stopped.
type Poller struct {
	fetcher   Fetcher
	reportID  string
	opts      Options
	callbacks Callbacks

	mu       sync.Mutex
	deadline time.Time
	done     bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(fetcher Fetcher, reportID string, opts Options, callbacks Callbacks) *Poller {
	opts.withDefaults()
	return &Poller{
		fetcher:   fetcher,
		reportID:  reportID,
		opts:      opts,
		callbacks: callbacks,
		stop:      make(chan struct{}),
	}
}

// Start runs the poll loop until a terminal callback fires, the context
// is cancelled or Stop is called. It blocks; run it in a goroutine when
// the caller has other work.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.deadline = time.Now().Add(p.opts.Timeout)
	p.mu.Unlock()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}

		if p.expired() {
			p.settle(func() {
				if p.callbacks.OnTimeout != nil {
					p.callbacks.OnTimeout()
				}
			})
			return
		}

		status, err := p.fetcher.Fetch(ctx, p.reportID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				p.settle(func() {
					if p.callbacks.OnFailed != nil {
						p.callbacks.OnFailed(&Status{ID: p.reportID, State: StateFailed, Error: err.Error()})
					}
				})
				return
			}
			// Transient: report and keep ticking until the deadline.
			log.Warn().Err(err).Str("report_id", p.reportID).Msg("Poll fetch failed")
			if p.callbacks.OnError != nil {
				p.callbacks.OnError(err)
			}
			continue
		}

		if !status.Terminal() {
			continue
		}

		p.settle(func() {
			switch status.State {
			case StateCompleted:
				if p.callbacks.OnCompleted != nil {
					p.callbacks.OnCompleted(status)
				}
			default:
				if p.callbacks.OnFailed != nil {
					p.callbacks.OnFailed(status)
				}
			}
		})
		return
	}
}

// Retry extends the deadline by a fresh timeout window. Called when the
// user chooses to keep waiting after OnTimeout.
func (p *Poller) Retry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = time.Now().Add(p.opts.Timeout)
	p.done = false
}

// Stop ends the poll loop without firing a terminal callback. Safe to
// call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) expired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().After(p.deadline)
}

// settle runs fn unless a terminal callback already fired.
func (p *Poller) settle(fn func()) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()
	fn()
}

// HTTPFetcher polls the report status endpoint of a running API.
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, reportID string) (*Status, error) {
	url := fmt.Sprintf("%s/api/v1/reports/%s/status", f.baseURL, reportID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Success bool   `json:"success"`
		Data    Status `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}

	return &envelope.Data, nil
}
