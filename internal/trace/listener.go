// Package trace receives process start and end notifications from the
// trace library preloaded into a child. Each traced process connects to
// a private unix socket, writes one JSON object per line describing
// itself, and keeps the connection open until it exits.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/logperiodic/logp/internal/clock"
)

// SocketEnv names the variable that tells the trace library where to
// connect
const SocketEnv = "LOGP_SOCKET_PATH"

// Process describes a traced process
type Process struct {
	PID  int      `json:"pid"`
	PPID int      `json:"ppid"`
	Argv []string `json:"argv,omitempty"`
}

// Config configures a Listener
type Config struct {
	// Dir is where the private socket directory is created. Default:
	// the system temporary directory.
	Dir    string
	Clock  clock.Clock
	Logger *slog.Logger
	// OnStart runs when a traced process first reports itself.
	OnStart func(timestamp uint64, p Process)
	// OnEnd runs when a reported process closes its connection.
	OnEnd func(timestamp uint64, pid int)
}

// Listener accepts trace connections
type Listener struct {
	dir      string
	path     string
	listener net.Listener
	clock    clock.Clock
	logger   *slog.Logger
	onStart  func(uint64, Process)
	onEnd    func(uint64, int)

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen creates the socket and starts accepting connections
func Listen(cfg Config) (*Listener, error) {
	dir, err := os.MkdirTemp(cfg.Dir, "logp-")
	if err != nil {
		return nil, fmt.Errorf("creating trace socket directory: %w", err)
	}

	path := filepath.Join(dir, "logp.socket")
	listener, err := net.Listen("unix", path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("unable to listen on unix socket %q: %w", path, err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l := &Listener{
		dir:      dir,
		path:     path,
		listener: listener,
		clock:    clk,
		logger:   logger,
		onStart:  cfg.OnStart,
		onEnd:    cfg.OnEnd,
		conns:    make(map[net.Conn]struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Path returns the socket path
func (l *Listener) Path() string {
	return l.path
}

// Env returns the environment entry that points the trace library at
// this listener
func (l *Listener) Env() string {
	return SocketEnv + "=" + l.path
}

// Close stops accepting, closes open connections, waits for their
// handlers and removes the socket directory
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.listener.Close()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()

	if rmErr := os.RemoveAll(l.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Warn("trace socket accept failed", "error", err)
			}
			return
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	var (
		started bool
		proc    Process
	)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		timestamp := clock.Micros(l.clock.Now())
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p Process
		if err := json.Unmarshal(line, &p); err != nil {
			l.logger.Warn("dropping malformed trace message", "error", err)
			continue
		}
		if started {
			l.logger.Debug("ignoring repeated trace message", "pid", p.PID)
			continue
		}

		started = true
		proc = p
		if l.onStart != nil {
			l.onStart(timestamp, p)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("trace connection ended with error", "error", err)
	}

	if started && l.onEnd != nil {
		l.onEnd(clock.Micros(l.clock.Now()), proc.PID)
	}
}
