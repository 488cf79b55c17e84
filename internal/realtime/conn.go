package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 4 << 10
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("realtime: connection closed")

// Conn wraps a server-side websocket and serializes outbound writes through a
// buffered queue drained by a single writer goroutine.
type Conn struct {
	ID     string
	UserID string

	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	pingInterval time.Duration
}

func newConn(userID string, ws *websocket.Conn, buffer int, ping time.Duration) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		UserID:       userID,
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		pingInterval: ping,
	}
}

// Send enqueues payload. A slow client whose buffer is full is disconnected
// so one reader cannot stall the hub.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("realtime: send buffer full")
	}
}

// Close sends a close frame and tears the socket down. Safe to call repeatedly.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// readLoop discards client frames and keeps the read deadline moving on
// pongs. It returns when the peer goes away.
func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxInboundSize)
	wait := 2 * c.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
