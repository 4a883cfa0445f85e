// Package event uploads one process invocation as an ordered sequence of
// entries: a start record, any number of progress records, and an end
// record.
//
// The first entry is sent on its own. The server answers it with the
// event id, and every later entry is held back until that id is known so
// it can be tagged with it. Once End has been called and every entry has
// been acknowledged, the flush callback fires exactly once.
package event

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/logperiodic/logp/client"
	"github.com/logperiodic/logp/internal/clock"
)

var (
	ErrAlreadyStarted = errors.New("event already started")
	ErrNotStarted     = errors.New("event hasn't been started")
	ErrAlreadyEnded   = errors.New("event has already been ended")
	ErrMissingStart   = errors.New("first entry in an event must have 'st' param")
	ErrMissingEnd     = errors.New("last entry in an event must have 'en' param")
)

// Entry is one record appended to an event. Timestamps are microseconds
// since the Unix epoch; zero means absent.
type Entry struct {
	Type      string `json:"ty,omitempty"`
	Start     uint64 `json:"st,omitempty"`
	End       uint64 `json:"en,omitempty"`
	At        uint64 `json:"at,omitempty"`
	Heartbeat uint64 `json:"hb,omitempty"`
	EventID   uint64 `json:"ev,omitempty"`
	Data      any    `json:"da,omitempty"`
}

// Config wires a Session to its collaborators
type Config struct {
	// Submitter transmits requests. Submit is called with the session
	// lock held, so it must not call back into the session.
	Submitter client.Submitter
	Clock     clock.Clock
	Logger    *slog.Logger
	// OnFlushed runs once every entry, including the end record, has
	// been acknowledged.
	OnFlushed func(eventID uint64)
}

// Session is the upload state machine for one event
type Session struct {
	submitter client.Submitter
	clock     clock.Clock
	logger    *slog.Logger
	onFlushed func(uint64)

	mu        sync.Mutex
	started   bool
	ended     bool
	flushed   bool
	eventID   uint64
	heartbeat time.Duration
	timer     *clock.Timer
	nextSeq   uint64
	pending   []queued
	inFlight  map[uint64]struct{}
}

// queued is an entry that has not been transmitted yet
type queued struct {
	seq   uint64
	entry Entry
}

// New creates an unstarted session
func New(cfg Config) *Session {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Session{
		submitter: cfg.Submitter,
		clock:     clk,
		logger:    logger,
		onFlushed: cfg.OnFlushed,
		nextSeq:   1,
		inFlight:  make(map[uint64]struct{}),
	}
}

// Start queues the start record. It must carry a start timestamp; a
// non-zero Heartbeat enables periodic heartbeats once the event id is
// known.
func (s *Session) Start(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if e.Start == 0 {
		return ErrMissingStart
	}

	s.started = true
	s.heartbeat = time.Duration(e.Heartbeat) * time.Microsecond
	s.addLocked(e)
	return nil
}

// Add queues a progress record
func (s *Session) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.ended {
		return ErrAlreadyEnded
	}

	s.addLocked(e)
	return nil
}

// End queues the end record, which must carry an end timestamp, and stops
// heartbeats.
func (s *Session) End(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	if s.ended {
		return ErrAlreadyEnded
	}
	if e.End == 0 {
		return ErrMissingEnd
	}

	s.ended = true
	s.timer.Stop()
	s.addLocked(e)
	return nil
}

// EventID returns the server-assigned id, or 0 before the start record
// has been acknowledged.
func (s *Session) EventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventID
}

// Flushed reports whether every entry has been acknowledged after End
func (s *Session) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *Session) addLocked(e Entry) {
	seq := s.nextSeq
	s.nextSeq++

	if s.eventID != 0 && e.EventID == 0 {
		e.EventID = s.eventID
	}

	s.pending = append(s.pending, queued{seq: seq, entry: e})
	s.sendLocked()
}

// sendLocked transmits every pending entry that may go out now. The
// first entry never waits; the rest wait for the event id.
func (s *Session) sendLocked() {
	var blocked []queued

	for _, q := range s.pending {
		if q.seq != 1 {
			if s.eventID == 0 {
				blocked = append(blocked, q)
				continue
			}
			if q.entry.EventID == 0 {
				q.entry.EventID = s.eventID
			}
		}

		seq := q.seq
		s.inFlight[seq] = struct{}{}
		s.submitter.Submit(&client.Append{
			Entry: q.entry,
			OnAck: func(body json.RawMessage) { s.ack(seq, body) },
		})
	}

	s.pending = blocked
}

func (s *Session) ack(seq uint64, body json.RawMessage) {
	s.mu.Lock()

	if _, ok := s.inFlight[seq]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, seq)

	if seq == 1 && s.eventID == 0 {
		s.handleStartAckLocked(body)
	}

	flush := s.ended && !s.flushed && len(s.pending) == 0 && len(s.inFlight) == 0
	if flush {
		s.flushed = true
	}
	eventID := s.eventID
	s.mu.Unlock()

	if flush && s.onFlushed != nil {
		s.onFlushed(eventID)
	}
}

func (s *Session) handleStartAckLocked(body json.RawMessage) {
	var resp struct {
		EventID uint64 `json:"ev"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.EventID == 0 {
		s.logger.Error("start acknowledgment did not carry an event id", "body", string(body))
		return
	}

	s.eventID = resp.EventID
	s.logger.Debug("assigned event id", "event_id", s.eventID)

	if s.heartbeat > 0 && !s.ended {
		s.timer = s.clock.AfterFunc(s.heartbeat, s.beat)
	}

	s.sendLocked()
}

// beat submits one heartbeat and re-arms the timer
func (s *Session) beat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.submitter.Submit(&client.Heartbeat{EventID: s.eventID})
	s.timer = s.clock.AfterFunc(s.heartbeat, s.beat)
}
