package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-marketplace-messaging/internal/domain"
)

// HubOptions tunes per-connection buffering and keepalive.
type HubOptions struct {
	SendBuffer   int
	PingInterval time.Duration
}

// Hub tracks open push connections per user and fans events out to them.
// A user may hold several connections (tabs, devices).
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[*Conn]struct{}
	opts  HubOptions
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Hub{users: make(map[string]map[*Conn]struct{}), opts: opts}
}

// Serve registers ws for userID and blocks until the peer disconnects.
func (h *Hub) Serve(userID string, ws *websocket.Conn) {
	c := newConn(userID, ws, h.opts.SendBuffer, h.opts.PingInterval)
	h.add(c)
	defer h.remove(c)

	go c.writeLoop()
	c.readLoop()
	c.Close(websocket.CloseNormalClosure, "")
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	wsActive.Inc()
	log.Debug().Str("user_id", c.UserID).Str("conn_id", c.ID).Msg("ws_connected")
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.UserID)
	}
	wsActive.Dec()
	log.Debug().Str("user_id", c.UserID).Str("conn_id", c.ID).Msg("ws_disconnected")
}

// Connections reports how many open connections userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Publish sends e to every connection of userID and reports how many
// connections accepted it.
func (h *Hub) Publish(userID string, e Event) int {
	payload, err := Encode(e)
	if err != nil {
		log.Error().Err(err).Str("event", string(e.Kind)).Msg("ws_encode_failed")
		return 0
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			wsEvents.WithLabelValues(string(e.Kind), "dropped").Inc()
			continue
		}
		sent++
		wsEvents.WithLabelValues(string(e.Kind), "sent").Inc()
	}
	return sent
}

// MessageCreated pushes message:new to both participants.
func (h *Hub) MessageCreated(_ context.Context, m domain.Message) {
	e := NewMessageEvent(m)
	h.Publish(m.SenderID, e)
	if m.ReceiverID != m.SenderID {
		h.Publish(m.ReceiverID, e)
	}
}

// NotificationCreated pushes notification:new to the notified user.
func (h *Hub) NotificationCreated(_ context.Context, n domain.Notification) {
	h.Publish(n.UserID, NewNotificationEvent(n.View()))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Conn
	for _, set := range h.users {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
