package execmon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 5 * time.Second

// PollStatus is one observation of a background job's status endpoint.
// It shares the monitor's terminal-state vocabulary.
type PollStatus struct {
	IsRunning  bool           `json:"is_running"`
	IsComplete bool           `json:"is_complete"`
	IsFailed   bool           `json:"is_failed"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// State maps the endpoint flags onto the session state vocabulary.
func (p PollStatus) State() State {
	switch {
	case p.IsFailed:
		return Failed
	case p.IsComplete:
		return Succeeded
	case p.IsRunning:
		return Running
	default:
		return Idle
	}
}

// StatusFetcher fetches the current status of a background job.
type StatusFetcher func(ctx context.Context) (PollStatus, error)

// Poller is the degraded-mode sibling of the Controller: it derives the
// same terminal states from periodic polling instead of a push stream,
// for jobs the UI is not actively watching.
type Poller struct {
	jobID    string
	fetch    StatusFetcher
	onChange func(jobID string, status PollStatus)
	now      func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	last     PollStatus
	lastAt   time.Time
	inFlight atomic.Bool
}

func NewPoller(jobID string, fetch StatusFetcher, onChange func(string, PollStatus)) *Poller {
	return &Poller{
		jobID:    jobID,
		fetch:    fetch,
		onChange: onChange,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins repeating fetches on the given interval. It returns
// immediately; results are observed through Last and the change callback.
// Calling Start on a running poller restarts it with the new interval.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(pollCtx, interval)
}

// Stop cancels polling. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}

// Running reports whether a poll loop is scheduled.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Last returns the most recent observation and when it was made.
func (p *Poller) Last() (PollStatus, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastAt
}

func (p *Poller) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
			p.mu.Lock()
			terminal := p.last.State().IsTerminal()
			if terminal && p.cancel != nil {
				p.cancel()
				p.cancel = nil
			}
			p.mu.Unlock()
			if terminal {
				return
			}
		}
	}
}

// tick performs one fetch. Overlapping ticks are suppressed rather than
// queued, bounding outstanding requests to at most one.
func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	status, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("status poll failed", "job", p.jobID, "error", err)
		}
		return
	}

	p.mu.Lock()
	p.last = status
	p.lastAt = p.now()
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(p.jobID, status)
	}
}
