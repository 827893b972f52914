// Package pubsub is the real-time fabric between the server and UI
// observers: a topic-routed hub on the server side and a reconnecting,
// resubscribing client on the observer side, multiplexed over a single
// websocket connection.
package pubsub

import "encoding/json"

// Frame types exchanged on the wire. Observers only send control
// frames; message frames are server-initiated.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameMessage     = "message"
)

// Frame is the wire format for every pubsub exchange.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message pairs a topic with its decoded payload for local delivery.
type Message struct {
	Topic   string
	Payload json.RawMessage
}
