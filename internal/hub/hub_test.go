package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestCancelRoutesJobID(t *testing.T) {
	h := New("token")
	calls := 0
	h.SetOnCancel(func(jobID string) {
		calls++
		if jobID != "job-1" {
			t.Fatalf("unexpected callback payload: job=%q", jobID)
		}
	})

	h.handleCancel("job-1")
	if calls != 1 {
		t.Fatalf("expected callback to be called once, got %d", calls)
	}
}

func TestBroadcastToClientsRespectsJobSubscription(t *testing.T) {
	h := New("token")

	clientA := &Client{
		id:            "a",
		send:          make(chan []byte, 1),
		subscribeAll:  false,
		subscriptions: map[string]struct{}{"job-1": {}},
	}
	clientB := &Client{
		id:            "b",
		send:          make(chan []byte, 1),
		subscribeAll:  false,
		subscriptions: map[string]struct{}{"job-2": {}},
	}
	clientAll := &Client{
		id:            "all",
		send:          make(chan []byte, 1),
		subscribeAll:  true,
		subscriptions: map[string]struct{}{},
	}

	h.clients = map[string]*Client{
		clientA.id:   clientA,
		clientB.id:   clientB,
		clientAll.id: clientAll,
	}

	h.broadcastToClients(hubBroadcast{data: []byte(`{"type":"job_log"}`), jobID: "job-1"})

	select {
	case <-clientA.send:
	default:
		t.Fatal("expected clientA to receive message for job-1")
	}
	select {
	case <-clientAll.send:
	default:
		t.Fatal("expected subscribe-all client to receive message")
	}
	select {
	case <-clientB.send:
		t.Fatal("did not expect clientB to receive message for job-1")
	default:
	}
}

func TestTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", validToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := New(validToken)

			ctx, cancel := context.WithCancel(context.Background())
			go hub.Run(ctx)
			defer cancel()

			server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
			defer server.Close()

			url := fmt.Sprintf("ws://%s/ws", server.URL[7:])
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestClientLifecycle(t *testing.T) {
	token := "test-token"
	var cancelled []string
	var cancelMu sync.Mutex

	hub := New(token)
	hub.SetOnCancel(func(jobID string) {
		cancelMu.Lock()
		cancelled = append(cancelled, jobID)
		cancelMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	waitForClientCount(t, hub, 1, 1*time.Second)

	cancelMsg := ClientMessage{Type: "cancel", JobID: "job-9"}
	data, _ := json.Marshal(cancelMsg)
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 1*time.Second)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	writeCancel()
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	cancelMu.Lock()
	if len(cancelled) != 1 || cancelled[0] != "job-9" {
		t.Errorf("cancel not received correctly: %v", cancelled)
	}
	cancelMu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")

	waitForClientCount(t, hub, 0, 1*time.Second)
}

func TestBroadcastFanOut(t *testing.T) {
	token := "test-token"
	hub := New(token)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)

	var clients []*websocket.Conn
	for i := 0; i < 2; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		dialCancel()
		if err != nil {
			t.Fatalf("failed to connect client %d: %v", i, err)
		}
		clients = append(clients, conn)
	}

	waitForClientCount(t, hub, 2, 1*time.Second)

	hub.BroadcastJobState(JobStateMessage{
		JobID:      "job-1",
		State:      "running",
		TotalTasks: 3,
	})

	for i, conn := range clients {
		readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("client %d failed to receive initial jobs message: %v", i, err)
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &baseMsg); err != nil {
			t.Fatalf("client %d failed to unmarshal base message: %v", i, err)
		}
		if baseMsg.Type != "jobs" {
			t.Fatalf("client %d expected initial jobs message, got type: %s", i, baseMsg.Type)
		}

		readCtx, readCancel = context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err = conn.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("client %d failed to receive job_state message: %v", i, err)
		}

		var msg JobStateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %d failed to unmarshal: %v", i, err)
		}

		if msg.Type != "job_state" || msg.JobID != "job-1" || msg.State != "running" {
			t.Errorf("client %d received wrong message: %+v", i, msg)
		}
	}

	for _, conn := range clients {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func TestLogBatching(t *testing.T) {
	token := "test-token"
	hub := New(token)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClientCount(t, hub, 1, 1*time.Second)

	readCtx, readCancel := context.WithTimeout(context.Background(), 1*time.Second)
	_, _, err = conn.Read(readCtx)
	readCancel()
	if err != nil {
		t.Fatalf("failed to receive initial jobs message: %v", err)
	}

	for i := 0; i < 5; i++ {
		hub.BroadcastJobLog("job-1", JobLogLine{
			Kind:    "task_ok",
			Message: fmt.Sprintf("line %d", i),
		})
	}

	time.Sleep(200 * time.Millisecond)

	readCtx, readCancel = context.WithTimeout(context.Background(), 2*time.Second)
	_, data, err := conn.Read(readCtx)
	readCancel()
	if err != nil {
		t.Fatalf("failed to receive message: %v", err)
	}

	var msg JobLogMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if msg.Type != "job_log" || msg.JobID != "job-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.Lines) != 5 {
		t.Errorf("expected 5 batched lines, got %d", len(msg.Lines))
	}
}

func TestRateLimiterDirect(t *testing.T) {
	var received []JobLogMessage
	var mu sync.Mutex

	limiter := NewRateLimiter(50*time.Millisecond, func(jobID string, msg JobLogMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		limiter.Add("job-1", JobLogLine{
			Kind:    "info",
			Message: fmt.Sprintf("line %d", i),
		})
	}
	limiter.Add("job-2", JobLogLine{Kind: "info", Message: "other"})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	if len(received) != 2 {
		t.Fatalf("expected 2 batched messages, got %d", len(received))
	}
	byJob := make(map[string]int)
	for _, msg := range received {
		byJob[msg.JobID] = len(msg.Lines)
	}
	if byJob["job-1"] != 3 {
		t.Errorf("expected 3 lines for job-1, got %d", byJob["job-1"])
	}
	if byJob["job-2"] != 1 {
		t.Errorf("expected 1 line for job-2, got %d", byJob["job-2"])
	}
	mu.Unlock()
}

func TestInitialJobListIncludesKnownState(t *testing.T) {
	token := "test-token"
	hub := New(token)
	hub.BroadcastJobState(JobStateMessage{JobID: "job-1", State: "succeeded"})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx, readCancel := context.WithTimeout(context.Background(), 1*time.Second)
	_, data, err := conn.Read(readCtx)
	readCancel()
	if err != nil {
		t.Fatalf("failed to receive initial jobs message: %v", err)
	}

	var msg JobListMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if msg.Type != "jobs" {
		t.Errorf("expected jobs message, got type: %s", msg.Type)
	}
	if len(msg.List) != 1 || msg.List[0].JobID != "job-1" {
		t.Errorf("expected job-1 in initial list, got %+v", msg.List)
	}

	hub.ForgetJob("job-1")
	hub.statesMu.RLock()
	remaining := len(hub.states)
	hub.statesMu.RUnlock()
	if remaining != 0 {
		t.Errorf("expected no recorded states after ForgetJob, got %d", remaining)
	}
}

func TestHighClientCountShutdown(t *testing.T) {
	token := "test-token"
	hub := New(token)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)

	numClients := 20
	var conns []*websocket.Conn
	for i := 0; i < numClients; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		dialCancel()
		if err != nil {
			t.Fatalf("failed to connect client %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	waitForClientCount(t, hub, numClients, 2*time.Second)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}

	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}
