package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/logperiodic/logp/internal/clock"
)

// DefaultProtocolVersion is sent in the handshake unless overridden
const DefaultProtocolVersion = 1

// DefaultReconnectDelay is the pause between connection attempts
const DefaultReconnectDelay = 5 * time.Second

// Worker owns the connection to the collection endpoint. It multiplexes
// every submitted request over one websocket, correlates responses by
// request id, and reconnects forever on transport failure, replaying
// the requests that are still active.
type Worker struct {
	uri               string
	token             string
	protocol          uint64
	tlsNoVerify       bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration
	logger            *slog.Logger
	clock             clock.Clock
	onIni             func(IniResponse)
	onDisconnect      func(error)

	// Submission queue, shared with producers.
	mu    sync.Mutex
	queue []Request
	wake  chan struct{}

	// Owned by the I/O goroutine.
	nextID      uint64
	active      map[uint64]Request
	established bool

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// WorkerBuilder provides a builder pattern for constructing workers
type WorkerBuilder struct {
	uri               string
	token             string
	protocol          uint64
	tlsNoVerify       bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration
	logger            *slog.Logger
	clock             clock.Clock
	onIni             func(IniResponse)
	onDisconnect      func(error)
}

// NewWorkerBuilder creates a new worker builder
func NewWorkerBuilder() *WorkerBuilder {
	return &WorkerBuilder{
		protocol:         DefaultProtocolVersion,
		reconnectDelay:   DefaultReconnectDelay,
		handshakeTimeout: 30 * time.Second,
		writeTimeout:     10 * time.Second,
	}
}

// WithURI sets the ws:// or wss:// endpoint
func (b *WorkerBuilder) WithURI(uri string) *WorkerBuilder {
	b.uri = uri
	return b
}

// WithToken sets the authentication token sent in the handshake
func (b *WorkerBuilder) WithToken(token string) *WorkerBuilder {
	b.token = token
	return b
}

// WithProtocolVersion sets the protocol version sent in the handshake
func (b *WorkerBuilder) WithProtocolVersion(version uint64) *WorkerBuilder {
	b.protocol = version
	return b
}

// WithTLSNoVerify disables server certificate verification
func (b *WorkerBuilder) WithTLSNoVerify(noVerify bool) *WorkerBuilder {
	b.tlsNoVerify = noVerify
	return b
}

// WithReconnectDelay sets the fixed pause between connection attempts
func (b *WorkerBuilder) WithReconnectDelay(delay time.Duration) *WorkerBuilder {
	b.reconnectDelay = delay
	return b
}

// WithReconnectBackoff makes the pause double after each consecutive
// failed attempt, capped at max. It resets once a handshake succeeds.
func (b *WorkerBuilder) WithReconnectBackoff(max time.Duration) *WorkerBuilder {
	b.maxReconnectDelay = max
	return b
}

// WithHandshakeTimeout bounds the websocket opening handshake
func (b *WorkerBuilder) WithHandshakeTimeout(timeout time.Duration) *WorkerBuilder {
	b.handshakeTimeout = timeout
	return b
}

// WithWriteTimeout bounds each frame write
func (b *WorkerBuilder) WithWriteTimeout(timeout time.Duration) *WorkerBuilder {
	b.writeTimeout = timeout
	return b
}

// WithLogger sets the logger for connection diagnostics
func (b *WorkerBuilder) WithLogger(logger *slog.Logger) *WorkerBuilder {
	b.logger = logger
	return b
}

// WithClock sets the clock used for reconnect delays
func (b *WorkerBuilder) WithClock(clk clock.Clock) *WorkerBuilder {
	b.clock = clk
	return b
}

// OnIni registers the handshake callback. It runs on the I/O goroutine
// once per connection, or when the server reports a connection error.
func (b *WorkerBuilder) OnIni(f func(IniResponse)) *WorkerBuilder {
	b.onIni = f
	return b
}

// OnDisconnect registers a callback for each failed or lost connection
func (b *WorkerBuilder) OnDisconnect(f func(error)) *WorkerBuilder {
	b.onDisconnect = f
	return b
}

// Build creates the configured worker
func (b *WorkerBuilder) Build() (*Worker, error) {
	if b.uri == "" {
		return nil, fmt.Errorf("endpoint URI is required")
	}
	if _, err := parseEndpoint(b.uri); err != nil {
		return nil, err
	}
	if b.reconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive")
	}
	if b.maxReconnectDelay != 0 && b.maxReconnectDelay < b.reconnectDelay {
		return nil, fmt.Errorf("reconnect backoff cap %v is below the reconnect delay %v", b.maxReconnectDelay, b.reconnectDelay)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clk := b.clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Worker{
		uri:               b.uri,
		token:             b.token,
		protocol:          b.protocol,
		tlsNoVerify:       b.tlsNoVerify,
		reconnectDelay:    b.reconnectDelay,
		maxReconnectDelay: b.maxReconnectDelay,
		handshakeTimeout:  b.handshakeTimeout,
		writeTimeout:      b.writeTimeout,
		logger:            logger,
		clock:             clk,
		onIni:             b.onIni,
		onDisconnect:      b.onDisconnect,
		wake:              make(chan struct{}, 1),
		active:            make(map[uint64]Request),
		done:              make(chan struct{}),
	}, nil
}

// URI returns the endpoint the worker connects to
func (w *Worker) URI() string {
	return w.uri
}

// Token returns the handshake token
func (w *Worker) Token() string {
	return w.token
}

// TLSNoVerify reports whether certificate verification is disabled
func (w *Worker) TLSNoVerify() bool {
	return w.tlsNoVerify
}
