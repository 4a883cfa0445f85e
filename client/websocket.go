package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket connection methods

// DialOptions configures a single transport connection
type DialOptions struct {
	URI string
	// TLSNoVerify disables certificate and hostname verification. Only
	// for testing against servers with self-signed certificates.
	TLSNoVerify      bool
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WebSocketConnection is one framed, optionally encrypted connection to
// the collection endpoint. It is owned by a single goroutine for writes;
// ReceiveMessage may run concurrently on another.
type WebSocketConnection struct {
	conn         *websocket.Conn
	uri          string
	writeTimeout time.Duration
}

// Dial resolves and connects to opts.URI. For wss URIs the server
// certificate chain and hostname are verified unless opts.TLSNoVerify is
// set; any verification failure aborts the connection.
func Dial(ctx context.Context, opts DialOptions) (*WebSocketConnection, error) {
	wsURL, err := parseEndpoint(opts.URI)
	if err != nil {
		return nil, err
	}

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 45 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	if wsURL.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			ServerName:         wsURL.Hostname(),
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSNoVerify,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed. Status: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("error connecting to websocket: %w", err)
	}

	return &WebSocketConnection{
		conn:         conn,
		uri:          wsURL.String(),
		writeTimeout: opts.WriteTimeout,
	}, nil
}

// parseEndpoint validates that uri is a ws or wss URL with a host
func parseEndpoint(uri string) (*url.URL, error) {
	wsURL, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if wsURL.Scheme != "ws" && wsURL.Scheme != "wss" {
		return nil, fmt.Errorf("invalid endpoint scheme %q: must be ws or wss", wsURL.Scheme)
	}
	if wsURL.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", uri)
	}
	return wsURL, nil
}

// URI returns the endpoint this connection was dialed to
func (ws *WebSocketConnection) URI() string {
	return ws.uri
}

// Close closes the WebSocket connection
func (ws *WebSocketConnection) Close() error {
	if ws.conn != nil {
		return ws.conn.Close()
	}
	return nil
}

// GracefulClose sends a close frame before closing the connection
func (ws *WebSocketConnection) GracefulClose() error {
	if ws.conn != nil {
		// Send a close message with normal closure code (1000)
		err := ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err != nil {
			ws.conn.Close()
			return fmt.Errorf("error sending close message: %w", err)
		}

		// Wait for the peer to respond
		time.Sleep(100 * time.Millisecond)

		err = ws.conn.Close()
		if err != nil {
			return fmt.Errorf("error closing websocket connection: %w", err)
		}
	}
	return nil
}

// Basic websocket send and receive

// SendMessage writes header and body as one text frame
func (ws *WebSocketConnection) SendMessage(header Header, body any) error {
	if ws.conn == nil {
		return fmt.Errorf("WebSocket connection not established")
	}

	data, err := EncodeMessage(header, body)
	if err != nil {
		return err
	}

	if ws.writeTimeout > 0 {
		if err := ws.conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout)); err != nil {
			return fmt.Errorf("error setting write deadline: %w", err)
		}
	}

	if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("error writing message: %w", err)
	}
	return nil
}

// ReceiveMessage blocks for the next frame. Decoding is left to the
// caller so a malformed frame can be dropped without losing the
// connection.
func (ws *WebSocketConnection) ReceiveMessage() ([]byte, error) {
	if ws.conn == nil {
		return nil, fmt.Errorf("WebSocket connection not established")
	}

	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("error reading message: %w", err)
	}

	return data, nil
}
