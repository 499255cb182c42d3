package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub streams published locations to websocket clients
type Hub struct {
	logger   *logx.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection
}

type connection struct {
	id        string
	level     pkg.AccuracyLevel
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// NewHub creates an empty hub
func NewHub(logger *logx.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connections: make(map[string]*connection),
	}
}

// Name identifies the hub as a publish sink
func (h *Hub) Name() string {
	return "websocket"
}

// Publish sends ev to every connection whose level it can serve. Events of
// more accurate tiers are coarsened to the connection level.
func (h *Hub) Publish(_ context.Context, ev locate.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	encoded := make(map[pkg.AccuracyLevel][]byte)
	for _, c := range h.connections {
		if ev.Level < c.level {
			continue
		}
		msg, ok := encoded[c.level]
		if !ok {
			out := ev
			if ev.Level > c.level && locate.Scrambles(c.level) {
				out = locate.Event{Level: c.level, Location: locate.Scramble(ev.Location, c.level)}
			}
			var err error
			msg, err = json.Marshal(out)
			if err != nil {
				return fmt.Errorf("failed to encode location event: %w", err)
			}
			encoded[c.level] = msg
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket send buffer full, dropping location", "connection", c.id)
		}
	}
	return nil
}

// ServeWS upgrades the request and registers the connection at level
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, level pkg.AccuracyLevel) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &connection{
		id:    uuid.NewString(),
		level: level,
		conn:  conn,
		send:  make(chan []byte, 32),
		hub:   h,
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
	h.logger.Info("websocket client connected", "connection", c.id, "accuracy", level.String(), "remote_addr", r.RemoteAddr)
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c.id]; ok {
		delete(h.connections, c.id)
		c.closeOnce.Do(func() { close(c.send) })
	}
}

// Close drops every connection
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.connections {
		c.closeOnce.Do(func() { close(c.send) })
		delete(h.connections, id)
	}
}

func (c *connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "connection", c.id, "error", err)
			}
			return
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
