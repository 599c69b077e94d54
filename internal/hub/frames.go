package hub

import "encoding/json"

// requestFrame is one client call: {id, method, args[]}.
type requestFrame struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// responseFrame answers a request by id. When Encrypted, Result is a sealed
// envelope instead of the raw handler result.
type responseFrame struct {
	ID        string            `json:"id"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Encrypted bool              `json:"encrypted,omitempty"`
	Error     *errorBody        `json:"error,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// pushFrame is a server-initiated message.
type pushFrame struct {
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// errorBody is the opaque hub error surface. Message never carries handler
// internals.
type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// gatewayCall is the plaintext inside an encrypted-gateway envelope.
type gatewayCall struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}
