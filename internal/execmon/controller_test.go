package execmon

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	writes    [][]byte
	closes    int
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64)}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeConn) wroteCancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if string(w) == string(cancelMessage) {
			return true
		}
	}
	return false
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state=%v, never reached %v", c.State(), want)
}

func waitConn(t *testing.T, tr *fakeTransport, i int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn := tr.conn(i); conn != nil {
			return conn
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("connection never dialed")
	return nil
}

func TestControllerSuccessfulRun(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/1/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)

	conn.inbound <- []byte(`{"type":"start","message":"run started"}`)
	waitState(t, c, Running)

	conn.inbound <- []byte(`{"type":"task","task":"A"}`)
	conn.inbound <- []byte(`{"type":"ok","task":"A"}`)
	conn.inbound <- []byte(`{"type":"complete","status":"success","message":"done"}`)
	waitState(t, c, Succeeded)

	snap, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Summary.TotalTasks != 1 || snap.Summary.CompletedTasks != 1 || snap.Summary.OkCount != 1 {
		t.Errorf("summary=%+v want 1 total, 1 completed, 1 ok", snap.Summary)
	}
	if snap.TerminalMessage != "done" {
		t.Errorf("TerminalMessage=%q want %q", snap.TerminalMessage, "done")
	}
	if snap.EndedAt.IsZero() {
		t.Error("EndedAt not set on terminal session")
	}
	if got := conn.closeCount(); got != 1 {
		t.Errorf("connection closed %d times, want 1", got)
	}
}

func TestControllerFailedRunDedupesFailedTasks(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/2/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)

	conn.inbound <- []byte(`{"type":"start"}`)
	conn.inbound <- []byte(`{"type":"task","task":"A"}`)
	conn.inbound <- []byte(`{"type":"failed","task":"A"}`)
	conn.inbound <- []byte(`{"type":"failed","task":"A"}`)
	conn.inbound <- []byte(`{"type":"complete","status":"failed"}`)
	waitState(t, c, Failed)

	snap, _ := c.Snapshot()
	if snap.Summary.FailedTasks != 1 {
		t.Errorf("FailedTasks=%d want 1 (deduped)", snap.Summary.FailedTasks)
	}
	if snap.Summary.FailedCount != 2 {
		t.Errorf("FailedCount=%d want 2 (not deduped)", snap.Summary.FailedCount)
	}
	if len(snap.Transcript) == 0 {
		t.Error("failed session must keep its transcript")
	}
}

func TestControllerRejectsStartWhileActive(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/3/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	waitState(t, c, Running)

	if err := c.Start(context.Background(), "ws://backend/jobs/3/stream", StartOptions{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start err=%v want ErrSessionActive", err)
	}
	if tr.conn(1) != nil {
		t.Fatal("second connection dialed despite rejection")
	}
}

func TestControllerCancelIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	var transitions []State
	var mu sync.Mutex
	c := NewController(Config{Transport: tr, OnChange: func(s Snapshot) {
		mu.Lock()
		transitions = append(transitions, s.State)
		mu.Unlock()
	}})

	if err := c.Start(context.Background(), "ws://backend/jobs/4/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	waitState(t, c, Running)

	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	if got := conn.closeCount(); got != 1 {
		t.Errorf("connection closed %d times, want 1", got)
	}
	if !conn.wroteCancel() {
		t.Error("cancel notice not sent on the open channel")
	}

	mu.Lock()
	cancelled := 0
	for _, s := range transitions {
		if s == Cancelled {
			cancelled++
		}
	}
	mu.Unlock()
	if cancelled != 1 {
		t.Errorf("observed %d Cancelled transitions, want 1", cancelled)
	}
}

func TestControllerAbruptCloseWhileRunning(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/5/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	waitState(t, c, Running)

	conn.Close()
	waitState(t, c, Failed)

	snap, _ := c.Snapshot()
	if snap.TerminalMessage != msgConnectionLost {
		t.Errorf("TerminalMessage=%q want %q", snap.TerminalMessage, msgConnectionLost)
	}
}

func TestControllerCloseBeforeFirstMessage(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/6/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.Close()
	waitState(t, c, Failed)

	snap, _ := c.Snapshot()
	if snap.TerminalMessage != msgNoFirstMessage {
		t.Errorf("TerminalMessage=%q want %q", snap.TerminalMessage, msgNoFirstMessage)
	}
}

func TestControllerDialFailure(t *testing.T) {
	tr := &fakeTransport{dialErr: errors.New("connection refused")}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/7/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, c, Failed)

	snap, _ := c.Snapshot()
	if snap.TerminalMessage != msgDialFailed {
		t.Errorf("TerminalMessage=%q want %q", snap.TerminalMessage, msgDialFailed)
	}
}

func TestControllerMalformedMessageDoesNotTerminate(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/8/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	conn.inbound <- []byte(`{garbage`)
	conn.inbound <- []byte(`{"type":"task","task":"A"}`)
	conn.inbound <- []byte(`{"type":"complete","status":"success"}`)
	waitState(t, c, Succeeded)

	snap, _ := c.Snapshot()
	if snap.ProtocolErrors != 1 {
		t.Errorf("ProtocolErrors=%d want 1", snap.ProtocolErrors)
	}
	if snap.Summary.TotalTasks != 1 {
		t.Errorf("TotalTasks=%d want 1", snap.Summary.TotalTasks)
	}
}

func TestControllerRetryOnlyFromFailed(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry on idle err=%v want ErrNotRetryable", err)
	}

	if err := c.Start(context.Background(), "ws://backend/jobs/9/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	conn.inbound <- []byte(`{"type":"complete","status":"failed"}`)
	waitState(t, c, Failed)

	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	retryConn := waitConn(t, tr, 1)
	retryConn.inbound <- []byte(`{"type":"start"}`)
	retryConn.inbound <- []byte(`{"type":"complete","status":"success"}`)
	waitState(t, c, Succeeded)

	snap, _ := c.Snapshot()
	if snap.Summary.TotalTasks != 0 {
		t.Errorf("retry must clear counters, TotalTasks=%d", snap.Summary.TotalTasks)
	}
}

func TestControllerResetRejectedWhileActive(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/10/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	waitState(t, c, Running)

	if err := c.Reset(); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Reset while running err=%v want ErrSessionActive", err)
	}

	if err := c.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset after cancel: %v", err)
	}
	if c.State() != Idle {
		t.Fatalf("state=%v want Idle", c.State())
	}
}

func TestControllerCloseTearsDownActiveSession(t *testing.T) {
	tr := &fakeTransport{}
	c := NewController(Config{Transport: tr})

	if err := c.Start(context.Background(), "ws://backend/jobs/11/stream", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := waitConn(t, tr, 0)
	conn.inbound <- []byte(`{"type":"start"}`)
	waitState(t, c, Running)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := conn.closeCount(); got != 1 {
		t.Errorf("connection closed %d times, want 1", got)
	}
	if c.State() != Cancelled {
		t.Errorf("state=%v want Cancelled", c.State())
	}
}
