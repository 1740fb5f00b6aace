// Package websocket streams customer-visible audit events to connected
// dashboard clients over a per-organization fan-out hub.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/api/rest"
	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	clientBuffer   = 64
	maxMessageSize = 512
)

// Hub fans appended audit events out to websocket subscribers. It
// implements the audit logger's Monitor interface, so registering it
// with the logger is all the wiring it needs.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	orgID string
	admin bool
	send  chan *audit.Event
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// Name implements the audit Monitor interface.
func (h *Hub) Name() string { return "websocket_stream" }

// Handle forwards an appended event to every subscriber of its
// organization. Non-admin subscribers only see customer-visible
// events. Slow clients drop events rather than block the audit path.
func (h *Hub) Handle(event *audit.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.orgID != event.OrganizationID {
			continue
		}
		if !c.admin && !event.CustomerVisible {
			continue
		}
		select {
		case c.send <- event:
		default:
			h.logger.Warn("audit stream subscriber lagging, dropping event",
				zap.String("organization_id", c.orgID),
				zap.String("event_id", event.ID.String()))
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the
// client disconnects. Must be mounted behind the auth middleware.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := rest.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		orgID: principal.OrganizationID,
		admin: principal.Admin,
		send:  make(chan *audit.Event, clientBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("audit stream subscriber connected",
		zap.String("organization_id", c.orgID),
		zap.String("agent_id", principal.AgentID))

	go h.readLoop(conn, c)
	h.writeLoop(conn, c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// readLoop discards inbound frames; its job is noticing disconnects
// and answering pings so the write deadline stays fresh.
func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	defer func() {
		h.remove(c)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber, used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}
