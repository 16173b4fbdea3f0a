package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"secureusb/internal/events"
)

// Frame is the wire format for messages pushed over the WebSocket.
type Frame struct {
	Type    string          `json:"type"` // prompt, decision, detach, auth_failed, storage, heartbeat
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	writeTimeout      = 5 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Hub fans live events out to connected WebSocket clients. Slow clients
// are disconnected rather than allowed to back up the feed.
type Hub struct {
	bus      *events.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type wsConn struct {
	conn *websocket.Conn
	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// NewHub creates a hub subscribed to nothing until Start.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The listener is a root-owned unix socket; the socket
			// permissions are the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[*wsConn]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the event bus and begins the heartbeat ticker.
func (h *Hub) Start() {
	h.bus.Subscribe(h.broadcastEvent,
		events.PromptRequested,
		events.DeviceDecided,
		events.DeviceDetached,
		events.AuthFailed,
		events.StorageDegraded,
	)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.broadcast(Frame{Type: "heartbeat"})
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop disconnects all clients and stops the heartbeat.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	h.mu.Lock()
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*wsConn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// HandleConnection upgrades the request and keeps the connection until the
// client goes away.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{conn: conn}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.Int("clients", n))

	// Drain the read side so pings and close frames are processed; the
	// feed itself is one way.
	go func() {
		defer h.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) broadcastEvent(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	h.broadcast(Frame{Type: frameType(e.Type), Payload: payload})
}

func (h *Hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			h.drop(c)
		}
	}
}

func frameType(t events.EventType) string {
	switch t {
	case events.PromptRequested:
		return "prompt"
	case events.DeviceDecided:
		return "decision"
	case events.DeviceDetached:
		return "detach"
	case events.AuthFailed:
		return "auth_failed"
	case events.StorageDegraded:
		return "storage"
	default:
		return string(t)
	}
}

// ClientCount reports how many WebSocket clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
