package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"skycrash/internal/logger"
)

const (
	clientQueueSize  = 64
	hubBroadcastSize = 256
	writeDeadline    = 10 * time.Second
)

type outMessage struct {
	payload   []byte
	droppable bool
}

// Client is one websocket subscription. Outbound messages go through a
// bounded queue drained by a single writer goroutine; when the queue is
// full, multiplier ticks are shed first. Phase transitions and per-player
// events are never shed; a client that cannot keep up even with those is
// disconnected.
type Client struct {
	conn   *websocket.Conn
	userID string
	wmu    sync.Mutex // serializes writes to conn

	mu     sync.Mutex
	queue  []outMessage
	notify chan struct{}
	closed bool
}

func newClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		notify: make(chan struct{}, 1),
	}
}

// enqueue adds a message to the client's queue. Reports false when the
// client is closed or has overflowed on a non-droppable message.
func (c *Client) enqueue(m outMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if len(c.queue) >= clientQueueSize {
		if m.droppable {
			return true // shed the tick
		}
		// Make room by shedding the oldest droppable message.
		shed := false
		for i, q := range c.queue {
			if q.droppable {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				shed = true
				break
			}
		}
		if !shed {
			c.closed = true
			return false
		}
	}
	c.queue = append(c.queue, m)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) drain() []outMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendDirect writes a message straight to one connection, bypassing the
// queue. Used for the initial state snapshot on connect.
func (c *Client) SendDirect(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *Client) write(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub fans scheduler broadcasts out to every connected client and routes
// per-player events to their owner only.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool

	broadcast chan outMessage
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]bool),
		byUser:    make(map[string]map[*Client]bool),
		broadcast: make(chan outMessage, hubBroadcastSize),
		stop:      make(chan struct{}),
	}
}

// Run drains the broadcast channel and fans out. One goroutine.
func (h *Hub) Run() {
	log := logger.With("hub")
	for {
		select {
		case <-h.stop:
			return
		case m := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.enqueue(m) && !m.droppable {
					log.Warn().Str("user_id", client.userID).Msg("client overflowed, dropping connection")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop terminates the fan-out loop and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	for client := range h.clients {
		client.close()
	}
	h.mu.Unlock()
}

// BroadcastTick sends a droppable multiplier update to everyone.
func (h *Hub) BroadcastTick(v interface{}) {
	h.publish(v, true)
}

// BroadcastEvent sends a must-deliver message (phase transition, reveal,
// public bet feed) to everyone.
func (h *Hub) BroadcastEvent(v interface{}) {
	h.publish(v, false)
}

func (h *Hub) publish(v interface{}, droppable bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.With("hub").Error().Err(err).Msg("marshal broadcast")
		return
	}
	m := outMessage{payload: payload, droppable: droppable}
	if droppable {
		select {
		case h.broadcast <- m:
		default: // shed the tick at the hub level too
		}
		return
	}
	select {
	case h.broadcast <- m:
	case <-h.stop:
	}
}

// SendToUser delivers a per-player event to every connection the user owns.
func (h *Hub) SendToUser(userID string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.With("hub").Error().Err(err).Msg("marshal user event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.byUser[userID] {
		client.enqueue(outMessage{payload: payload})
	}
}

// RegisterClient attaches a connection and starts its writer goroutine.
// The returned client must be handed back to UnregisterClient when the
// connection ends.
func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) *Client {
	client := newClient(conn, userID)

	h.mu.Lock()
	h.clients[client] = true
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Client]bool)
	}
	h.byUser[userID][client] = true
	total := len(h.clients)
	h.mu.Unlock()

	logger.With("hub").Debug().Str("user_id", userID).Int("total", total).Msg("client connected")

	go h.writePump(client)
	return client
}

func (h *Hub) UnregisterClient(client *Client) {
	client.close()

	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if conns := h.byUser[client.userID]; conns != nil {
			delete(conns, client)
			if len(conns) == 0 {
				delete(h.byUser, client.userID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	logger.With("hub").Debug().Str("user_id", client.userID).Int("total", total).Msg("client disconnected")
}

// GetClientCount reports the number of live subscriptions.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) writePump(client *Client) {
	for range client.notify {
		for _, m := range client.drain() {
			if err := client.write(m.payload); err != nil {
				h.UnregisterClient(client)
				return
			}
		}
		if client.isClosed() {
			client.conn.Close()
			return
		}
	}
}
