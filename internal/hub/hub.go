package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const defaultBatchInterval = 100 * time.Millisecond

// Hub fans job state changes, log lines and download progress out to
// connected panel clients. Clients may subscribe to individual jobs;
// unscoped messages go to everyone.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan hubBroadcast
	onCancel     func(jobID string)
	token        string
	mu           sync.RWMutex
	states       map[string]JobStateMessage
	statesMu     sync.RWMutex
	rateLimiter  *RateLimiter
	batchEnabled bool
	ctxWrap      *ctxWrapper
	running      atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client       *Client
	initialState []byte
}

func New(token string) *Hub {
	h := &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *clientRegistration, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan hubBroadcast, 256),
		token:        token,
		states:       make(map[string]JobStateMessage),
		batchEnabled: true,
		ctxWrap:      &ctxWrapper{ctx: context.Background()},
	}
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, func(jobID string, msg JobLogMessage) {
		h.sendBroadcast(jobID, msg)
	})
	return h
}

// SetOnCancel registers the callback invoked when a client sends a
// cancel message for a job.
func (h *Hub) SetOnCancel(fn func(jobID string)) {
	h.onCancel = fn
}

func (h *Hub) getContext() context.Context {
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initialState != nil {
				select {
				case reg.client.send <- reg.initialState:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			log.Printf("client connected: %s (total: %d)", reg.client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case b := <-h.broadcast:
			h.broadcastToClients(b)
		}
	}
}

func (h *Hub) broadcastToClients(b hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsJob(b.jobID) {
			continue
		}
		select {
		case c.send <- b.data:
		default:
			log.Printf("client %s send buffer full, dropping message", c.id)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}

	client := newClient(conn, h)

	h.statesMu.RLock()
	list := make([]JobStateMessage, 0, len(h.states))
	for _, st := range h.states {
		list = append(list, st)
	}
	h.statesMu.RUnlock()

	msg := JobListMessage{Type: "jobs", List: list}
	initialState, _ := json.Marshal(msg)

	select {
	case h.register <- &clientRegistration{client: client, initialState: initialState}:
	default:
		log.Printf("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// BroadcastJobState records the latest state for the job and pushes it
// to subscribed clients. The recorded state seeds newly connecting
// clients.
func (h *Hub) BroadcastJobState(msg JobStateMessage) {
	msg.Type = "job_state"
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}

	h.statesMu.Lock()
	h.states[msg.JobID] = msg
	h.statesMu.Unlock()

	h.sendBroadcast(msg.JobID, msg)
}

// ForgetJob drops the recorded state for a job so it no longer appears
// in the initial payload sent to new clients.
func (h *Hub) ForgetJob(jobID string) {
	h.statesMu.Lock()
	delete(h.states, jobID)
	h.statesMu.Unlock()
}

// BroadcastJobLog queues a transcript line for the job. Lines are
// batched per job before hitting the wire.
func (h *Hub) BroadcastJobLog(jobID string, line JobLogLine) {
	if h.batchEnabled && h.rateLimiter != nil {
		h.rateLimiter.Add(jobID, line)
		return
	}
	msg := JobLogMessage{
		Type:  "job_log",
		JobID: jobID,
		Lines: []JobLogLine{line},
		Ts:    time.Now().UnixMilli(),
	}
	h.sendBroadcast(jobID, msg)
}

func (h *Hub) BroadcastDownloadStatus(downloadID, status, message string) {
	msg := DownloadStatusMessage{
		Type:       "download_status",
		DownloadID: downloadID,
		Status:     status,
		Message:    message,
		Ts:         time.Now().UnixMilli(),
	}
	h.sendBroadcast("", msg)
}

func (h *Hub) sendBroadcast(jobID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling broadcast message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, jobID: jobID}:
	default:
		log.Printf("broadcast channel full, dropping message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	msg := ErrorMessage{Type: "error", Message: message}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling error message: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleCancel(jobID string) {
	if h.onCancel != nil {
		h.onCancel(jobID)
	}
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled = enabled
}

func (h *Hub) FlushPendingLogs() {
	if h.rateLimiter != nil {
		h.rateLimiter.FlushAll()
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		log.Printf("unregister channel full for client %s, forcing close", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
