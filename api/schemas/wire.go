// Package schemas holds the wire-level types shared by the HTTP gateway and the
// WebSocket command relay, plus the error kinds both surfaces classify on.
package schemas

import "encoding/json"

// SessionCreated is the body returned by GET /session.
type SessionCreated struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
}

// OpResult is the generic success/error envelope for JSON operations.
type OpResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Relay message types pushed or echoed on the WebSocket channel.
const (
	MessageResult   = "result"
	MessageError    = "error"
	MessageRequest  = "request"
	MessageResponse = "response"
	MessagePong     = "pong"
)

// RelayCommand is an inbound relay frame. Exactly one of Method or Script is
// set; Target selects the dispatch table for invocations.
type RelayCommand struct {
	Session string            `json:"session"`
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type,omitempty"`
	Method  string            `json:"method,omitempty"`
	Target  string            `json:"target,omitempty"`
	Payload []json.RawMessage `json:"payload,omitempty"`
	Script  string            `json:"script,omitempty"`
}

// RelayReply is the outbound result/error frame, correlated by Session and ID.
type RelayReply struct {
	Type    string      `json:"type"`
	Session string      `json:"session,omitempty"`
	ID      string      `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// TrafficRequest mirrors an outgoing page request on the relay.
type TrafficRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// TrafficResponse mirrors an incoming page response on the relay.
type TrafficResponse struct {
	URL     string            `json:"url"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
}

// TrafficEvent is the unsolicited push frame for live interception traffic of
// the session currently attached to a relay connection.
type TrafficEvent struct {
	Type     string           `json:"type"`
	Session  string           `json:"session"`
	Request  *TrafficRequest  `json:"request,omitempty"`
	Response *TrafficResponse `json:"response,omitempty"`
}
