package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"aprilaire-go-home/internal/coordinator"
)

// WSHub manages WebSocket connections and fans bus events out to them.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	entryID string // empty receives every entry
}

func (c *wsClient) wants(entryID string) bool {
	return c.entryID == "" || entryID == "" || c.entryID == entryID
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan coordinator.Event, 256),
		done:       make(chan struct{}),
	}
}

// eventEntryID returns the entry an event belongs to.
func eventEntryID(ev coordinator.Event) string {
	switch d := ev.Data.(type) {
	case coordinator.StateUpdate:
		return d.EntryID
	case coordinator.ConnectionState:
		return d.EntryID
	case coordinator.DeviceInfoChange:
		return d.EntryID
	case coordinator.EntryStatus:
		return d.EntryID
	case coordinator.ServiceCall:
		return d.EntryID
	}
	return ""
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "entry_id", client.entryID, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				continue
			}
			entryID := eventEntryID(ev)
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.wants(entryID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for every interested client. It never blocks
// the event bus.
func (h *WSHub) Broadcast(ev coordinator.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

// handleWS streams bus events as JSON. ?entry_id= limits the stream to one
// entry. The first message is a snapshot of the loaded entries.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		entryID: r.URL.Query().Get("entry_id"),
	}
	if snapshot, err := json.Marshal(map[string]any{"type": "snapshot", "data": s.snapshot(client.entryID)}); err == nil {
		client.send <- snapshot
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) snapshot(entryID string) []any {
	out := []any{}
	for _, st := range s.hub.Entries() {
		if entryID != "" && st.Entry.ID != entryID {
			continue
		}
		item := map[string]any{"status": st}
		if states, err := s.hub.Entities(st.Entry.ID); err == nil {
			item["entities"] = states
		}
		out = append(out, item)
	}
	return out
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// Incoming messages are ignored; reading detects the close.
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
