package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Permission bits granted by the server in the handshake response
const (
	PermRead  uint64 = 1
	PermWrite uint64 = 2
)

// ErrPermissionDenied is returned by IniResponse.Err when the server
// accepted the handshake but granted no permissions.
var ErrPermissionDenied = errors.New("permission denied")

// ServerMessage is one decoded server-to-client frame
type ServerMessage struct {
	Header Header
	Body   json.RawMessage
}

// IniResponse is the connection-level handshake result. A connection
// error reported before the handshake completes arrives in the same
// shape with only Error set.
type IniResponse struct {
	Ini      json.RawMessage `json:"ini,omitempty"`
	Protocol uint64          `json:"prot"`
	Time     uint64          `json:"time"`
	Perm     uint64          `json:"perm"`
	Error    string          `json:"err,omitempty"`
}

// Ok reports whether the server accepted the handshake
func (r IniResponse) Ok() bool {
	var status string
	if err := json.Unmarshal(r.Ini, &status); err != nil {
		return false
	}
	return status == "ok"
}

// Err returns nil for an accepted handshake with at least one permission
// bit, ErrPermissionDenied when no permission was granted, and a
// descriptive error otherwise.
func (r IniResponse) Err() error {
	if r.Error != "" {
		return fmt.Errorf("connection error: %s", r.Error)
	}
	if !r.Ok() {
		if len(r.Ini) == 0 {
			return fmt.Errorf("handshake failed: empty response")
		}
		return fmt.Errorf("handshake failed: %s", string(r.Ini))
	}
	if r.Perm == 0 {
		return ErrPermissionDenied
	}
	return nil
}

// CanRead reports whether the token may query entries
func (r IniResponse) CanRead() bool { return r.Perm&PermRead != 0 }

// CanWrite reports whether the token may append entries
func (r IniResponse) CanWrite() bool { return r.Perm&PermWrite != 0 }

// pongResponse is the body of a png response
type pongResponse struct {
	Time uint64 `json:"time"`
	Echo string `json:"echo,omitempty"`
}

// QueryElement is one element of a get response: either an entry or a
// control message.
type QueryElement struct {
	Entry   json.RawMessage `json:"e,omitempty"`
	Control *QueryControl   `json:"p,omitempty"`
}

// QueryControl carries cursor, phase and flow-control updates for a query
type QueryControl struct {
	LatestEntryID *uint64     `json:"latest_entry_id,omitempty"`
	Phase         string      `json:"ph,omitempty"`
	Pause         *PauseToken `json:"pause,omitempty"`
}

// PhaseMonitoring marks the end of the historical backfill
const PhaseMonitoring = "mn"

// PauseToken is the opaque value a paused stream must be resumed with
type PauseToken struct {
	ID json.RawMessage `json:"id"`
}

// errorResponse is the body of a failed correlated request
type errorResponse struct {
	Err *json.RawMessage `json:"err"`
}

// ParseServerMessage splits a frame into its header and body documents.
// The body must be valid JSON; an empty body is rejected.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	headerPart, bodyPart, found := bytes.Cut(data, []byte("\n"))
	if !found {
		return nil, fmt.Errorf("message has no body")
	}

	var header Header
	if err := json.Unmarshal(headerPart, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}

	body := bytes.TrimSpace(bodyPart)
	if len(body) == 0 {
		return nil, fmt.Errorf("message %d has an empty body", header.ID)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("message %d has a malformed body", header.ID)
	}

	return &ServerMessage{
		Header: header,
		Body:   json.RawMessage(body),
	}, nil
}

// applicationError extracts the server's error text when body is an
// {"err": ...} object.
func applicationError(body json.RawMessage) (string, bool) {
	if len(body) == 0 || body[0] != '{' {
		return "", false
	}

	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Err == nil {
		return "", false
	}

	var text string
	if err := json.Unmarshal(*resp.Err, &text); err != nil {
		return string(*resp.Err), true
	}
	return text, true
}
