package execmon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrSessionActive is returned by Start while a session is still
	// connecting or running.
	ErrSessionActive = errors.New("a session is already active")
	// ErrNotActive is returned by Cancel when there is nothing to cancel.
	ErrNotActive = errors.New("no active session")
	// ErrNotRetryable is returned by Retry outside a failed terminal state.
	ErrNotRetryable = errors.New("session is not in a failed state")
	// ErrNoSession is returned by operations that need an existing session.
	ErrNoSession = errors.New("no session")
)

const (
	msgDialFailed      = "Connection error occurred"
	msgNoFirstMessage  = "Failed to establish connection"
	msgConnectionLost  = "Connection lost"
	msgCancelledByUser = "Execution cancelled by user"
)

// Config wires a Controller to its collaborators.
type Config struct {
	// Transport opens the streaming channel. Required.
	Transport Transport
	// OnChange is invoked with a snapshot after every state transition.
	OnChange func(Snapshot)
	// OnEvent is invoked for every transcript entry as it is appended.
	OnEvent func(sessionID string, ev LogEvent)
	// OnConnOpen/OnConnClose track the open-connection count; set by the
	// registry that owns this controller.
	OnConnOpen  func()
	OnConnClose func()
	// WriteTimeout bounds the outbound cancel notice. Defaults to 2s.
	WriteTimeout time.Duration
}

// Controller owns the lifecycle of at most one active session and is the
// exclusive owner of its streaming connection. All session mutation happens
// under c.mu on delivery of a connection event or an operation call, so
// observers only ever see consistent snapshots.
type Controller struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	session    *Session
	conn       Conn
	connClosed bool
	gotMessage bool
	gen        uint64
	runCancel  context.CancelFunc
}

func NewController(cfg Config) *Controller {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Controller{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// StartOptions carries optional correlation data for a new session.
type StartOptions struct {
	// SessionID correlates the session with the remote job. A fresh id is
	// generated when empty.
	SessionID string
}

// Start opens a streaming connection to target and begins interpreting its
// event protocol. It does not block: callers observe progress through state
// transitions. Start rejects while a session is connecting or running.
func (c *Controller) Start(ctx context.Context, target string, opts StartOptions) error {
	if c.cfg.Transport == nil {
		return errors.New("controller has no transport")
	}

	c.mu.Lock()
	if c.session != nil && c.session.State.IsActive() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	id := opts.SessionID
	if id == "" {
		id = newSessionID()
	}
	c.session = newSession(id, target, c.now())
	c.conn = nil
	c.connClosed = false
	c.gotMessage = false
	c.gen++
	gen := c.gen
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	snap := c.session.snapshot()
	c.mu.Unlock()

	c.notify(snap)
	go c.run(runCtx, gen, target)
	return nil
}

// run dials the transport and pumps inbound messages until the session
// reaches a terminal state. It is the only reader of the connection.
func (c *Controller) run(ctx context.Context, gen uint64, target string) {
	conn, err := c.cfg.Transport.Dial(ctx, target)
	if err != nil {
		slog.Warn("execution monitor dial failed", "target", target, "error", err)
		c.finish(gen, Failed, msgDialFailed)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.session == nil || c.session.State.IsTerminal() {
		// Superseded or torn down while dialing; this connection was
		// never owned by a live session.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	if c.cfg.OnConnOpen != nil {
		c.cfg.OnConnOpen()
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(gen)
			return
		}
		if done := c.dispatch(gen, data); done {
			return
		}
	}
}

// dispatch interprets one raw wire message. It reports whether the session
// reached a terminal state.
func (c *Controller) dispatch(gen uint64, data []byte) bool {
	c.mu.Lock()
	if gen != c.gen || c.session == nil || c.session.State.IsTerminal() {
		c.mu.Unlock()
		return true
	}

	c.gotMessage = true
	if c.session.State == Connecting {
		c.session.State = Running
	}

	d, err := decodeWire(data, c.now())
	if err != nil {
		// A single malformed message is dropped; the session carries on.
		c.session.ProtocolErrors++
		c.session.apply(LogEvent{Kind: KindInfo, Message: "Dropped malformed message from backend", Timestamp: c.now()})
		snap := c.session.snapshot()
		ev := snap.Transcript[len(snap.Transcript)-1]
		c.mu.Unlock()
		slog.Debug("dropped malformed protocol message", "error", err)
		c.emit(snap.ID, ev)
		c.notify(snap)
		return false
	}

	c.session.apply(d.event)
	id := c.session.ID

	if d.isComplete {
		state := Succeeded
		if d.result == ResultFailed {
			state = Failed
		}
		msg := d.event.Message
		if msg == "" {
			msg = "Execution " + state.String()
		}
		c.completeLocked(state, msg)
		snap := c.session.snapshot()
		c.mu.Unlock()
		c.emit(id, d.event)
		c.notify(snap)
		return true
	}

	snap := c.session.snapshot()
	c.mu.Unlock()
	c.emit(id, d.event)
	c.notify(snap)
	return false
}

// handleReadError turns a transport close into a terminal transition. A
// close before the first message means the connection never came up; a
// close while running without a complete event is a lost connection.
func (c *Controller) handleReadError(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.session == nil || c.session.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	msg := msgConnectionLost
	if !c.gotMessage {
		msg = msgNoFirstMessage
	}
	c.completeLocked(Failed, msg)
	snap := c.session.snapshot()
	c.mu.Unlock()
	c.notify(snap)
}

// finish is the terminal transition for paths that never owned a connection.
func (c *Controller) finish(gen uint64, state State, msg string) {
	c.mu.Lock()
	if gen != c.gen || c.session == nil || c.session.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.completeLocked(state, msg)
	snap := c.session.snapshot()
	c.mu.Unlock()
	c.notify(snap)
}

// completeLocked closes the connection exactly once and records the terminal
// state. The connection is released before the state becomes observable so
// no open channel outlives a terminal session. Callers hold c.mu.
func (c *Controller) completeLocked(state State, msg string) {
	c.closeConnLocked()
	c.session.State = state
	c.session.EndedAt = c.now()
	c.session.TerminalMessage = msg
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
}

// closeConnLocked releases the streaming channel. Idempotent.
func (c *Controller) closeConnLocked() {
	if c.conn == nil || c.connClosed {
		return
	}
	c.connClosed = true
	_ = c.conn.Close()
	c.conn = nil
	if c.cfg.OnConnClose != nil {
		c.cfg.OnConnClose()
	}
}

// Cancel requests cooperative cancellation of the active session: a cancel
// notice is sent over the channel when possible, then the channel is closed
// and the session transitions to Cancelled. A second Cancel while already
// cancelled is a no-op.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	if c.session.State == Cancelled {
		c.mu.Unlock()
		return nil
	}
	if !c.session.State.IsActive() {
		c.mu.Unlock()
		return ErrNotActive
	}

	if c.conn != nil && !c.connClosed {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		// Best effort: the remote side may not support the control
		// message, and the local close below is unconditional.
		_ = c.conn.Write(ctx, cancelMessage)
		cancel()
	}
	c.completeLocked(Cancelled, msgCancelledByUser)
	snap := c.session.snapshot()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// Retry restarts a failed session against the same target. Only legal from
// a failed terminal state.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.State != Failed {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	target := c.session.Target
	id := c.session.ID
	c.session = nil
	c.mu.Unlock()
	return c.Start(ctx, target, StartOptions{SessionID: id})
}

// Reset discards a finished session and returns the controller to idle.
// It rejects while a session is active; use Close for unconditional teardown.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.session != nil && c.session.State.IsActive() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.session = nil
	c.mu.Unlock()
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(Snapshot{State: Idle})
	}
	return nil
}

// Close tears the controller down on every path, cancelling any active
// session first. Safe to call repeatedly.
func (c *Controller) Close() error {
	if err := c.Cancel(); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	c.mu.Lock()
	c.closeConnLocked()
	c.mu.Unlock()
	return nil
}

// State returns the current lifecycle state, Idle when no session exists.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Idle
	}
	return c.session.State
}

// Snapshot returns a deep copy of the current session.
func (c *Controller) Snapshot() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Snapshot{State: Idle}, ErrNoSession
	}
	return c.session.snapshot(), nil
}

func (c *Controller) notify(snap Snapshot) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(snap)
	}
}

func (c *Controller) emit(sessionID string, ev LogEvent) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(sessionID, ev)
	}
}
