// Package monitor reconciles the historical backfill of a query with its
// live tail. Entries that arrive before the server switches the query to
// monitoring are buffered, sorted by timestamp when the switch happens,
// and rendered; later entries are rendered as they arrive.
package monitor

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"

	"github.com/logperiodic/logp/client"
)

// Mode selects whether the consumer stops after the backfill
type Mode int

const (
	// Snapshot renders the sorted backfill and then finishes.
	Snapshot Mode = iota
	// Follow keeps rendering live entries after the backfill.
	Follow
)

// Option configures a Consumer
type Option func(*Consumer)

// WithTerminal marks entries for which isTerminal returns true as the end
// of the stream. A terminal entry is not rendered. A following consumer
// finishes once a terminal entry has been seen and the backfill has been
// rendered.
func WithTerminal(isTerminal func(entry json.RawMessage) bool) Option {
	return func(c *Consumer) {
		c.isTerminal = isTerminal
	}
}

// Consumer feeds query results to a render sink in timestamp order.
// HandleEntry and HandleMonitoring are expected to be called from a single
// goroutine, the worker's, in arrival order.
type Consumer struct {
	mode       Mode
	render     func(entry json.RawMessage)
	isTerminal func(entry json.RawMessage) bool

	mu           sync.Mutex
	monitoring   bool
	terminalSeen bool
	finished     bool
	backfill     []json.RawMessage
	done         chan struct{}
}

// New creates a consumer that passes entries to render
func New(mode Mode, render func(entry json.RawMessage), opts ...Option) *Consumer {
	c := &Consumer{
		mode:   mode,
		render: render,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query returns a get request wired to this consumer
func (c *Consumer) Query(query, state any) *client.Query {
	return &client.Query{
		Query:        query,
		State:        state,
		OnEntry:      c.HandleEntry,
		OnMonitoring: c.HandleMonitoring,
	}
}

// Done is closed once the consumer has rendered everything it will render
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Monitoring reports whether the backfill has been rendered
func (c *Consumer) Monitoring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitoring
}

// HandleEntry buffers entry during backfill and renders it afterwards
func (c *Consumer) HandleEntry(entry json.RawMessage) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}

	if c.isTerminal != nil && c.isTerminal(entry) {
		c.terminalSeen = true
		finish := c.shouldFinishLocked()
		c.mu.Unlock()
		if finish {
			c.finish()
		}
		return
	}

	if !c.monitoring {
		c.backfill = append(c.backfill, entry)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.render(entry)
}

// HandleMonitoring sorts and renders the backfill. Only the first call
// has any effect.
func (c *Consumer) HandleMonitoring() {
	c.mu.Lock()
	if c.monitoring || c.finished {
		c.mu.Unlock()
		return
	}
	c.monitoring = true
	backfill := c.backfill
	c.backfill = nil
	finish := c.shouldFinishLocked()
	c.mu.Unlock()

	slices.SortStableFunc(backfill, func(a, b json.RawMessage) int {
		return cmp.Compare(Timestamp(a), Timestamp(b))
	})
	for _, entry := range backfill {
		c.render(entry)
	}

	if finish {
		c.finish()
	}
}

func (c *Consumer) shouldFinishLocked() bool {
	if !c.monitoring || c.finished {
		return false
	}
	if c.mode == Snapshot || c.terminalSeen {
		c.finished = true
		return true
	}
	return false
}

func (c *Consumer) finish() {
	close(c.done)
}

// Timestamp returns the time an entry refers to: its "at" field, else
// "st", else "en". Entries with none of them sort first.
func Timestamp(entry json.RawMessage) uint64 {
	var ts struct {
		At *uint64 `json:"at"`
		St *uint64 `json:"st"`
		En *uint64 `json:"en"`
	}
	if err := json.Unmarshal(entry, &ts); err != nil {
		return 0
	}

	switch {
	case ts.At != nil:
		return *ts.At
	case ts.St != nil:
		return *ts.St
	case ts.En != nil:
		return *ts.En
	}
	return 0
}

// HasField reports whether entry is an object with the given key
func HasField(entry json.RawMessage, key string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return false
	}
	_, ok := fields[key]
	return ok
}
