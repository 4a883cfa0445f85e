package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/logperiodic/logp/internal/clock"
)

// Submitter accepts requests for transmission. Submit never blocks.
type Submitter interface {
	Submit(req Request)
}

// Request is one logical operation multiplexed over the connection. The
// set of implementations is closed: Init, Ping, Query, Append, Heartbeat
// and Resume.
//
// Render and Handle are only ever called from the worker's I/O goroutine.
type Request interface {
	// Op returns the operation name written in the message header.
	Op() Op

	// Render returns the body for the next transmission. It is called
	// again for every replay after a reconnect.
	Render() (any, error)

	// Handle processes one correlated response body. s is the worker,
	// for requests that need to submit follow-ups.
	Handle(s Submitter, body json.RawMessage) error

	isRequest()
}

// Init is the handshake sent at the start of every connection
type Init struct {
	Token    string
	Protocol uint64
	OnIni    func(IniResponse)
}

func (*Init) Op() Op { return OpInit }
func (*Init) isRequest() {}

func (r *Init) Render() (any, error) {
	return initBody{Token: r.Token, Protocol: r.Protocol}, nil
}

func (r *Init) Handle(_ Submitter, body json.RawMessage) error {
	var resp IniResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal ini response: %w", err)
	}
	if r.OnIni != nil {
		r.OnIni(resp)
	}
	return nil
}

// Pong is the result of a ping round trip
type Pong struct {
	// ServerTime is the server clock in microseconds since the epoch.
	ServerTime uint64
	RoundTrip  time.Duration
	// Skew estimates how far the server clock runs ahead of the local
	// clock, assuming a symmetric path.
	Skew time.Duration
	Echo string
}

// Ping measures round-trip time and clock skew against the server
type Ping struct {
	Echo   string
	OnPong func(Pong)
	Clock  clock.Clock

	sentAt time.Time
}

// NewPing returns a Ping with a random echo token
func NewPing(onPong func(Pong)) *Ping {
	return &Ping{
		Echo:   uuid.NewString(),
		OnPong: onPong,
	}
}

func (*Ping) Op() Op { return OpPing }
func (*Ping) isRequest() {}

func (r *Ping) now() time.Time {
	if r.Clock == nil {
		return clock.Real().Now()
	}
	return r.Clock.Now()
}

// Render samples the local clock; the message is written immediately
// afterwards, so the sample is the send time.
func (r *Ping) Render() (any, error) {
	r.sentAt = r.now()
	return pingBody{Echo: r.Echo}, nil
}

func (r *Ping) Handle(_ Submitter, body json.RawMessage) error {
	received := r.now()

	var resp pongResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal pong: %w", err)
	}

	roundTrip := received.Sub(r.sentAt)
	midpoint := r.sentAt.Add(roundTrip / 2)
	server := time.UnixMicro(int64(resp.Time))

	if r.OnPong != nil {
		r.OnPong(Pong{
			ServerTime: resp.Time,
			RoundTrip:  roundTrip,
			Skew:       server.Sub(midpoint),
			Echo:       resp.Echo,
		})
	}
	return nil
}

// Query is a historical-plus-live subscription. It stays active for the
// life of the connection and is replayed from its latest cursor after a
// reconnect.
type Query struct {
	// Query is the select/from/where filter.
	Query any
	// State is an optional resume cursor supplied by the caller.
	State any

	OnEntry      func(entry json.RawMessage)
	OnMonitoring func()

	latestEntryID uint64
	monitoring    bool
}

func (*Query) Op() Op { return OpGet }
func (*Query) isRequest() {}

func (r *Query) Render() (any, error) {
	body := queryBody{Query: r.Query, State: r.State}
	if r.latestEntryID != 0 {
		body.State = map[string]uint64{"latest_entry_id": r.latestEntryID}
	}
	return body, nil
}

// Handle processes entries and control elements in arrival order. A
// pause is acknowledged by submitting a Resume with the server's token.
func (r *Query) Handle(s Submitter, body json.RawMessage) error {
	var elements []QueryElement
	if err := json.Unmarshal(body, &elements); err != nil {
		return fmt.Errorf("failed to unmarshal get response: %w", err)
	}

	for _, element := range elements {
		if element.Entry != nil {
			r.observeEntry(element.Entry)
			if r.OnEntry != nil {
				r.OnEntry(element.Entry)
			}
		}

		control := element.Control
		if control == nil {
			continue
		}
		if control.LatestEntryID != nil {
			r.advanceCursor(*control.LatestEntryID)
		}
		if control.Phase == PhaseMonitoring && !r.monitoring {
			r.monitoring = true
			if r.OnMonitoring != nil {
				r.OnMonitoring()
			}
		}
		if control.Pause != nil {
			s.Submit(&Resume{Token: control.Pause.ID})
		}
	}

	return nil
}

func (r *Query) observeEntry(entry json.RawMessage) {
	var id struct {
		ID *uint64 `json:"id"`
	}
	if err := json.Unmarshal(entry, &id); err == nil && id.ID != nil {
		r.advanceCursor(*id.ID)
	}
}

func (r *Query) advanceCursor(id uint64) {
	if id > r.latestEntryID {
		r.latestEntryID = id
	}
}

// Append persists one entry of an event
type Append struct {
	Entry any
	OnAck func(body json.RawMessage)
}

func (*Append) Op() Op { return OpAdd }
func (*Append) isRequest() {}

func (r *Append) Render() (any, error) {
	if r.Entry == nil {
		return nil, fmt.Errorf("append without an entry")
	}
	return r.Entry, nil
}

func (r *Append) Handle(_ Submitter, body json.RawMessage) error {
	if r.OnAck != nil {
		r.OnAck(body)
	}
	return nil
}

// Heartbeat signals that an event's process is still running
type Heartbeat struct {
	EventID uint64
}

func (*Heartbeat) Op() Op { return OpHeartbeat }
func (*Heartbeat) isRequest() {}

func (r *Heartbeat) Render() (any, error) {
	return heartbeatBody{EventID: r.EventID}, nil
}

func (*Heartbeat) Handle(Submitter, json.RawMessage) error { return nil }

// Resume acknowledges a server-side pause. It is fire-and-forget.
type Resume struct {
	Token json.RawMessage
}

func (*Resume) Op() Op { return OpResume }
func (*Resume) isRequest() {}

func (r *Resume) Render() (any, error) {
	return resumeBody{Token: r.Token}, nil
}

func (*Resume) Handle(Submitter, json.RawMessage) error { return nil }

// tracked reports whether req is kept in the active table until the
// server finishes it. Init is addressed to the connection itself and a
// pause token does not outlive the connection it was issued on.
func tracked(req Request) bool {
	switch req.(type) {
	case *Init, *Resume:
		return false
	}
	return true
}
