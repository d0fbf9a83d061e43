// Package feed pushes order events to the buyers and sellers they concern
// over websocket connections.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fishmarket/internal/models"
	"fishmarket/internal/util"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	clientBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one open feed connection
type Client struct {
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub tracks open connections by the user they belong to
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  util.GetLogger(),
	}
}

// Serve upgrades the request and streams events for userID until the peer goes away
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := h.register(userID, conn)
	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) register(userID string, conn *websocket.Conn) *Client {
	c := &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, clientBufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	util.FeedConnections.Inc()
	h.logger.Debug("Feed client connected", zap.String("user_id", userID))
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		util.FeedConnections.Dec()
		h.logger.Debug("Feed client disconnected", zap.String("user_id", c.UserID))
	}
	c.close()
}

// Publish queues payload for every client the order concerns. Slow clients
// whose buffer is full miss the message. It returns how many clients got it.
func (h *Hub) Publish(ref models.OrderRef, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients {
		if !ref.Concerns(c.UserID) {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			h.logger.Warn("Feed client too slow, dropping event", zap.String("user_id", c.UserID))
		}
	}
	return delivered
}

// HandleMessage forwards an order event from the bus to the concerned clients
func (h *Hub) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var ref models.OrderRef
	if err := json.Unmarshal(msg.Value, &ref); err != nil {
		return fmt.Errorf("failed to unmarshal order ref: %w", err)
	}
	if ref.OrderID == "" {
		return nil
	}
	h.Publish(ref, msg.Value)
	return nil
}

// ClientCount returns the number of open connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		util.FeedConnections.Dec()
		c.close()
	}
}

func (h *Hub) readPump(c *Client) {
	defer h.unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Feed read error", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(c)
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
