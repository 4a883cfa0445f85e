package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Op names the operation a message carries
type Op string

const (
	OpInit      Op = "ini"
	OpPing      Op = "png"
	OpGet       Op = "get"
	OpAdd       Op = "add"
	OpHeartbeat Op = "hrt"
	OpResume    Op = "res"
)

// Header is the first JSON document of every message in either direction.
// An ID of zero addresses the connection itself rather than a request.
type Header struct {
	ID  uint64 `json:"id"`
	Op  Op     `json:"op,omitempty"`
	Fin bool   `json:"fin,omitempty"`
}

// Client-to-server bodies

// initBody is the handshake payload
type initBody struct {
	Token    string `json:"tk"`
	Protocol uint64 `json:"prot"`
}

// pingBody carries an optional echo token
type pingBody struct {
	Echo string `json:"echo,omitempty"`
}

// queryBody carries a structured filter and an optional resume cursor
type queryBody struct {
	Query any `json:"query"`
	State any `json:"state,omitempty"`
}

// heartbeatBody names the event that is still alive
type heartbeatBody struct {
	EventID uint64 `json:"ev"`
}

// resumeBody echoes the token the server paused a stream with
type resumeBody struct {
	Token json.RawMessage `json:"k"`
}

// EncodeMessage renders a header and body as two newline-terminated JSON
// documents, the payload of a single websocket text frame.
func EncodeMessage(header Header, body any) ([]byte, error) {
	if body == nil {
		body = struct{}{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("error encoding header: %w", err)
	}
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("error encoding %s body: %w", header.Op, err)
	}

	return buf.Bytes(), nil
}
