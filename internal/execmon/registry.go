package execmon

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

// Registry owns one Controller per job id plus the pollers for background
// jobs. It is also the explicit home of the open-connection count: the
// count is a reference-counted resource incremented on open and decremented
// on close, never ambient package state.
type Registry struct {
	transport Transport
	onChange  func(jobID string, snap Snapshot)
	onEvent   func(jobID string, ev LogEvent)
	onPoll    func(jobID string, status PollStatus)

	mu          sync.RWMutex
	controllers map[string]*Controller
	pollers     map[string]*Poller
	openConns   atomic.Int64
}

// RegistryConfig wires a Registry to its collaborators.
type RegistryConfig struct {
	Transport Transport
	OnChange  func(jobID string, snap Snapshot)
	OnEvent   func(jobID string, ev LogEvent)
	OnPoll    func(jobID string, status PollStatus)
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		transport:   cfg.Transport,
		onChange:    cfg.OnChange,
		onEvent:     cfg.OnEvent,
		onPoll:      cfg.OnPoll,
		controllers: make(map[string]*Controller),
		pollers:     make(map[string]*Poller),
	}
}

// Controller returns the monitor for jobID, creating it on first use. There
// is at most one monitor, and therefore at most one active session, per job.
func (r *Registry) Controller(jobID string) *Controller {
	r.mu.RLock()
	c, ok := r.controllers[jobID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[jobID]; ok {
		return c
	}
	c = NewController(Config{
		Transport: r.transport,
		OnChange: func(snap Snapshot) {
			if r.onChange != nil {
				r.onChange(jobID, snap)
			}
		},
		OnEvent: func(_ string, ev LogEvent) {
			if r.onEvent != nil {
				r.onEvent(jobID, ev)
			}
		},
		OnConnOpen:  func() { r.openConns.Add(1) },
		OnConnClose: func() { r.openConns.Add(-1) },
	})
	r.controllers[jobID] = c
	return c
}

// Lookup returns the monitor for jobID without creating one.
func (r *Registry) Lookup(jobID string) *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controllers[jobID]
}

// Poller returns the background poller for jobID, creating it on first use
// with the given fetcher.
func (r *Registry) Poller(jobID string, fetch StatusFetcher) *Poller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pollers[jobID]; ok {
		return p
	}
	p := NewPoller(jobID, fetch, r.onPoll)
	r.pollers[jobID] = p
	return p
}

// LookupPoller returns the poller for jobID without creating one.
func (r *Registry) LookupPoller(jobID string) *Poller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pollers[jobID]
}

// Remove discards the monitor for jobID after tearing it down.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	c := r.controllers[jobID]
	delete(r.controllers, jobID)
	p := r.pollers[jobID]
	delete(r.pollers, jobID)
	r.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	if p != nil {
		p.Stop()
	}
}

// OpenConnections reports the number of live streaming connections.
func (r *Registry) OpenConnections() int {
	return int(r.openConns.Load())
}

// Snapshots returns a snapshot per job that has a session, keyed by job id.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.controllers))
	for id, c := range r.controllers {
		snap, err := c.Snapshot()
		if err != nil {
			continue
		}
		out[id] = snap
	}
	return out
}

// Close tears down every monitor and poller. Used on shutdown so no
// connection outlives the process lifecycle.
func (r *Registry) Close() {
	r.mu.Lock()
	controllers := r.controllers
	pollers := r.pollers
	r.controllers = make(map[string]*Controller)
	r.pollers = make(map[string]*Poller)
	r.mu.Unlock()

	for _, c := range controllers {
		_ = c.Close()
	}
	for _, p := range pollers {
		p.Stop()
	}
}

func newSessionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
