package hub

import (
	"sync"
	"time"
)

// RateLimiter batches transcript lines per job so a chatty execution
// does not produce one websocket frame per line.
type RateLimiter struct {
	mu       sync.Mutex
	pending  map[string]*pendingLog
	interval time.Duration
	onFlush  func(jobID string, msg JobLogMessage)
}

type pendingLog struct {
	lines []JobLogLine
	timer *time.Timer
}

func NewRateLimiter(interval time.Duration, onFlush func(string, JobLogMessage)) *RateLimiter {
	return &RateLimiter{
		pending:  make(map[string]*pendingLog),
		interval: interval,
		onFlush:  onFlush,
	}
}

func (r *RateLimiter) Add(jobID string, line JobLogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pending[jobID]
	if !exists {
		p = &pendingLog{}
		r.pending[jobID] = p
	}

	p.lines = append(p.lines, line)

	if p.timer == nil {
		p.timer = time.AfterFunc(r.interval, func() {
			r.flushJob(jobID)
		})
	}
}

func (r *RateLimiter) flushJob(jobID string) {
	r.mu.Lock()
	p, exists := r.pending[jobID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.pending, jobID)
	r.mu.Unlock()

	if r.onFlush != nil && len(p.lines) > 0 {
		msg := JobLogMessage{
			Type:  "job_log",
			JobID: jobID,
			Lines: p.lines,
			Ts:    time.Now().UnixMilli(),
		}
		r.onFlush(jobID, msg)
	}
}

func (r *RateLimiter) FlushAll() {
	r.mu.Lock()
	jobs := make([]string, 0, len(r.pending))
	for id := range r.pending {
		jobs = append(jobs, id)
	}
	r.mu.Unlock()

	for _, id := range jobs {
		r.flushJob(id)
	}
}
