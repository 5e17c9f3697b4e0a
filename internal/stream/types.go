package stream

import "encoding/json"

// Message is both the top-level frame and the payload delivered to a
// channel connection.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

type frame struct {
	Type string `json:"type"`
	Body any    `json:"body"`
}

type connectBody struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type channelBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Body any    `json:"body,omitempty"`
}

type inboundChannelBody struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type disconnectBody struct {
	ID string `json:"id"`
}

// State of the underlying socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
