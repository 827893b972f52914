package pubsub

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// outboundBuffer bounds each connection's send queue. A subscriber
// whose queue overflows is declared slow and its connection closed.
const outboundBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The server only listens on loopback; the UI connects from a
	// local origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one observer connection and its topic subscriptions.
type conn struct {
	ws     *websocket.Conn
	send   chan Frame
	topics map[string]bool
	mu     sync.Mutex
}

// Hub routes published messages to subscribed connections. Each
// connection is serviced by its own reader and writer goroutines, so
// one slow observer cannot stall the rest.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*conn]bool
	logger *zap.Logger
}

// NewHub constructs a hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:  make(map[*conn]bool),
		logger: logger,
	}
}

// ServeWS upgrades an HTTP request into a pubsub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		ws:     ws,
		send:   make(chan Frame, outboundBuffer),
		topics: make(map[string]bool),
	}

	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// Publish sends a message frame to every connection subscribed to the
// topic. A connection that cannot absorb the frame is dropped with a
// SlowSubscriber notice.
func (h *Hub) Publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode publish payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	frame := Frame{Type: FrameMessage, Topic: topic, Payload: raw}

	h.mu.RLock()
	var slow []*conn
	for c := range h.conns {
		c.mu.Lock()
		subscribed := c.topics[topic]
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow subscriber", zap.String("topic", topic))
		h.drop(c)
	}
}

// SubscriberCount reports how many live connections hold the topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.conns {
		c.mu.Lock()
		if c.topics[topic] {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// readPump consumes control frames until the connection dies.
func (h *Hub) readPump(c *conn) {
	defer h.drop(c)

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameSubscribe:
			c.mu.Lock()
			c.topics[frame.Topic] = true
			c.mu.Unlock()
		case FrameUnsubscribe:
			c.mu.Lock()
			delete(c.topics, frame.Topic)
			c.mu.Unlock()
		default:
			// Observers do not publish domain events.
			h.logger.Warn("ignoring unexpected frame from observer",
				zap.String("type", frame.Type), zap.String("topic", frame.Topic))
		}
	}
}

// writePump drains the send queue onto the wire, preserving per-topic
// publication order.
func (h *Hub) writePump(c *conn) {
	for frame := range c.send {
		if err := c.ws.WriteJSON(frame); err != nil {
			h.drop(c)
			return
		}
	}
}

// drop removes the connection and closes its socket. Idempotent.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if !h.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	h.mu.Unlock()

	close(c.send)
	c.ws.Close()
}

// Close terminates every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c)
	}
}
