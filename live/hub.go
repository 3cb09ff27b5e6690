package live

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

type wsConnection struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *hub
	closeOnce sync.Once
}

// hub tracks websocket subscribers. Slow subscribers lose messages rather
// than stall the session.
type hub struct {
	mu          sync.Mutex
	subscribers map[string]*wsConnection
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]*wsConnection)}
}

// register adds a subscriber whose stream starts with initial.
func (h *hub) register(conn *websocket.Conn, initial []byte) *wsConnection {
	c := &wsConnection{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	if initial != nil {
		c.send <- initial
	}
	h.mu.Lock()
	h.subscribers[c.id] = c
	h.mu.Unlock()
	slog.Debug("Live subscriber connected", "subscriberID", c.id)
	return c
}

func (h *hub) unregister(c *wsConnection) {
	h.mu.Lock()
	_, ok := h.subscribers[c.id]
	delete(h.subscribers, c.id)
	h.mu.Unlock()
	if ok {
		c.close()
		slog.Debug("Live subscriber disconnected", "subscriberID", c.id)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *hub) broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.subscribers {
		select {
		case c.send <- message:
		default:
			slog.Warn("Live subscriber too slow, dropping message", "subscriberID", id)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subscribers := h.subscribers
	h.subscribers = make(map[string]*wsConnection)
	h.mu.Unlock()
	for _, c := range subscribers {
		c.close()
	}
}

func (c *wsConnection) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; subscribers never send events.
func (c *wsConnection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}
