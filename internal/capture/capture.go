// Package capture collects the output a child process writes to one of
// its standard streams. The child writes into a pipe; a reader goroutine
// copies everything through to the stream it stands in for and batches
// it into debounced flushes.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/logperiodic/logp/internal/clock"
)

// DefaultDebounce is how long data is held before it is flushed
const DefaultDebounce = 100 * time.Millisecond

// Config configures a Capturer
type Config struct {
	// Name identifies the stream in log messages.
	Name string
	// Tee receives every byte as soon as it is read.
	Tee   io.Writer
	Clock clock.Clock
	// Debounce is the delay between the first unflushed read and its
	// flush.
	Debounce time.Duration
	// OnData receives each batch and the time, in microseconds, of its
	// first read. It runs with the capturer's lock held and must not
	// call back into the Capturer.
	OnData func(buf []byte, timestamp uint64)
	// OnFinished runs once, after the final flush, when the child side
	// of the pipe has been closed.
	OnFinished func()
	Logger     *slog.Logger
}

// Capturer owns one capture pipe
type Capturer struct {
	name       string
	reader     *os.File
	writer     *os.File
	tee        io.Writer
	clock      clock.Clock
	debounce   time.Duration
	onData     func([]byte, uint64)
	onFinished func()
	logger     *slog.Logger

	mu        sync.Mutex
	pending   []byte
	pendingAt uint64
	lastAt    uint64
	timer     *clock.Timer

	startOnce sync.Once
	done      chan struct{}
}

// New creates the pipe. Hand Writer to the child, call Start, then Detach
// once the child has been started.
func New(cfg Config) (*Capturer, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("unable to create capture pipe: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	tee := cfg.Tee
	if tee == nil {
		tee = io.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Capturer{
		name:       cfg.Name,
		reader:     reader,
		writer:     writer,
		tee:        tee,
		clock:      clk,
		debounce:   debounce,
		onData:     cfg.OnData,
		onFinished: cfg.OnFinished,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Writer returns the end of the pipe the child writes to
func (c *Capturer) Writer() *os.File {
	return c.writer
}

// Start begins reading the pipe
func (c *Capturer) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// Detach closes this process's copy of the write end, so the reader sees
// end of file once every child holding it has exited.
func (c *Capturer) Detach() error {
	if err := c.writer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing %s capture pipe: %w", c.name, err)
	}
	return nil
}

// Done is closed after OnFinished has returned
func (c *Capturer) Done() <-chan struct{} {
	return c.done
}

func (c *Capturer) readLoop() {
	defer close(c.done)
	defer c.reader.Close()

	buf := make([]byte, 4096)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			timestamp := clock.Micros(c.clock.Now())
			if _, werr := c.tee.Write(buf[:n]); werr != nil {
				c.logger.Debug("unable to copy captured output", "stream", c.name, "error", werr)
			}
			c.newData(buf[:n], timestamp)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("capture pipe read failed", "stream", c.name, "error", err)
			}
			break
		}
	}

	c.flush(true)
	if c.onFinished != nil {
		c.onFinished()
	}
}

func (c *Capturer) newData(data []byte, timestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		c.pendingAt = timestamp
	}
	c.lastAt = timestamp
	c.pending = append(c.pending, data...)

	if c.timer == nil {
		c.timer = c.clock.AfterFunc(c.debounce, func() { c.flush(false) })
	}
}

// flush hands the pending data to OnData. Unless final, a trailing
// partial UTF-8 sequence stays pending until the rest of it is read.
func (c *Capturer) flush(final bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	cut := len(c.pending)
	if !final {
		cut = completeRunes(c.pending)
	}
	if cut == 0 {
		return
	}
	batch := c.pending[:cut:cut]
	c.pending = append([]byte(nil), c.pending[cut:]...)
	at := c.pendingAt
	c.pendingAt = c.lastAt
	if c.onData != nil {
		c.onData(batch, at)
	}
}

// completeRunes returns the length of the prefix of p that does not end
// in an incomplete UTF-8 sequence
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
