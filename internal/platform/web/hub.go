package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/buildbox/internal/domain"
)

const writeWait = 5 * time.Second

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serialises writes to one connection; gorilla allows a single writer.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

// Hub forwards job events to the WebSocket clients watching that job.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*wsClient]struct{})}
}

// Run forwards events from sub until ctx is done or the subscription closes.
func (h *Hub) Run(ctx context.Context, sub domain.EventSubscriber) error {
	slog.Info("Starting event broadcaster...")
	events, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		h.Broadcast(ev)
	}
	return nil
}

// Broadcast sends ev to every client watching ev.JobID.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients[ev.JobID]))
	for c := range h.clients[ev.JobID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(ev); err != nil {
			slog.Warn("Failed to write to websocket", "jobID", ev.JobID, "error", err)
			h.remove(ev.JobID, c)
			c.conn.Close()
		}
	}
}

// Watchers is the number of clients watching jobID.
func (h *Hub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func (h *Hub) add(jobID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*wsClient]struct{})
	}
	h.clients[jobID][c] = struct{}{}
}

func (h *Hub) remove(jobID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[jobID], c)
	if len(h.clients[jobID]) == 0 {
		delete(h.clients, jobID)
	}
}

// HandleWS upgrades the connection and registers it for the job in ?job_id=.
// Clients that want live progress pick the job id themselves and send it as the
// X-Job-Id header of the build request.
func (h *Hub) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		if jobID == "" {
			http.Error(w, "job_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed", "error", err)
			return
		}

		slog.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())
		c := &wsClient{conn: conn}
		h.add(jobID, c)
		defer func() {
			slog.Info("Client disconnected", "jobID", jobID)
			h.remove(jobID, c)
			conn.Close()
		}()

		// Reads only detect the close; clients have nothing to send.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
