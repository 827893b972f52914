package pubsub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 10 * time.Second
)

// Handler receives messages for a subscribed topic.
type Handler func(msg Message)

// Client maintains a single multiplexed connection to the hub. Topic
// subscriptions survive reconnects: on every successful dial the
// client replays the subscribe frame for each active topic. Control
// frames requested while disconnected queue in order and flush on
// connect.
type Client struct {
	url    string
	logger *zap.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex // serializes frame writes on the socket
	ws        *websocket.Conn
	connected bool
	closed    bool
	handlers  map[string]map[int]Handler
	nextID    int
	queue     []Frame // control frames awaiting a connection

	dial func(url string) (*websocket.Conn, error)

	done chan struct{}
}

// NewClient constructs a client for the hub at url. Connect starts the
// connection loop.
func NewClient(url string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      url,
		logger:   logger,
		handlers: make(map[string]map[int]Handler),
		dial: func(url string) (*websocket.Conn, error) {
			ws, _, err := websocket.DefaultDialer.Dial(url, nil)
			return ws, err
		},
		done: make(chan struct{}),
	}
}

// Connect starts the dial/read/reconnect loop in the background.
func (c *Client) Connect() {
	go c.loop()
}

// loop dials, reads until failure, and redials with exponential
// backoff. A deliberate Close ends the loop.
func (c *Client) loop() {
	delay := initialReconnectDelay
	for {
		select {
		case <-c.done:
			return
		default:
		}

		ws, err := c.dial(c.url)
		if err != nil {
			c.logger.Warn("pubsub dial failed", zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-c.done:
				return
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = initialReconnectDelay

		c.onConnect(ws)
		c.readLoop(ws)

		c.mu.Lock()
		c.connected = false
		c.ws = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Warn("pubsub connection lost, reconnecting")
	}
}

// onConnect replays active subscriptions, then flushes the queue of
// control frames accumulated while disconnected.
func (c *Client) onConnect(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true

	var frames []Frame
	seen := make(map[string]bool)
	for topic := range c.handlers {
		if len(c.handlers[topic]) > 0 {
			frames = append(frames, Frame{Type: FrameSubscribe, Topic: topic})
			seen[topic] = true
		}
	}
	for _, f := range c.queue {
		// Queued subscribes for topics already resubscribed collapse.
		if f.Type == FrameSubscribe && seen[f.Topic] {
			continue
		}
		frames = append(frames, f)
	}
	c.queue = nil
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.writeFrame(ws, f); err != nil {
			c.logger.Warn("pubsub control frame failed", zap.Error(err))
			return
		}
	}
}

// writeFrame serializes writes; the websocket allows one writer at a
// time.
func (c *Client) writeFrame(ws *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(f)
}

// readLoop dispatches message frames until the connection fails.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			ws.Close()
			return
		}
		if frame.Type != FrameMessage {
			continue
		}

		c.mu.Lock()
		var handlers []Handler
		for _, h := range c.handlers[frame.Topic] {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		msg := Message{Topic: frame.Topic, Payload: frame.Payload}
		for _, h := range handlers {
			h(msg)
		}
	}
}

// Subscribe registers a handler for a topic and returns a cancel func.
// The first listener of a topic sends (or queues) the subscribe frame;
// cancelling the last listener sends the unsubscribe frame, or simply
// drops the queued subscribe if it never went out.
func (c *Client) Subscribe(topic string, handler Handler) (cancel func()) {
	c.mu.Lock()
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	first := len(c.handlers[topic]) == 0
	c.handlers[topic][id] = handler

	var sendNow *websocket.Conn
	if first {
		if c.connected {
			sendNow = c.ws
		} else {
			c.queue = append(c.queue, Frame{Type: FrameSubscribe, Topic: topic})
		}
	}
	c.mu.Unlock()

	if sendNow != nil {
		if err := c.writeFrame(sendNow, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			c.logger.Warn("subscribe frame failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	return func() { c.unsubscribe(topic, id) }
}

func (c *Client) unsubscribe(topic string, id int) {
	c.mu.Lock()
	listeners, ok := c.handlers[topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(listeners, id)
	if len(listeners) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.handlers, topic)

	var sendNow *websocket.Conn
	if c.connected {
		sendNow = c.ws
	} else {
		// Still queued: drop the pending subscribe instead of sending
		// an unsubscribe that would race it.
		kept := c.queue[:0]
		dropped := false
		for _, f := range c.queue {
			if !dropped && f.Type == FrameSubscribe && f.Topic == topic {
				dropped = true
				continue
			}
			kept = append(kept, f)
		}
		c.queue = kept
		if !dropped {
			c.queue = append(c.queue, Frame{Type: FrameUnsubscribe, Topic: topic})
		}
	}
	c.mu.Unlock()

	if sendNow != nil {
		if err := c.writeFrame(sendNow, Frame{Type: FrameUnsubscribe, Topic: topic}); err != nil {
			c.logger.Warn("unsubscribe frame failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Close tears the connection down and suppresses reconnection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
}
