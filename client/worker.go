package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Submit queues req for transmission and wakes the I/O goroutine. It is
// safe to call from any goroutine, including from inside a request's
// Handle, and never blocks. Outcomes arrive through the request's own
// callbacks.
func (w *Worker) Submit(req Request) {
	w.mu.Lock()
	w.queue = append(w.queue, req)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run starts the I/O goroutine and returns immediately. The worker runs
// until ctx is cancelled or Close is called.
func (w *Worker) Run(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go func() {
			defer close(w.done)
			w.loop(ctx)
		}()
	})
}

// Close stops the I/O goroutine and waits for it to exit. A worker closed
// before Run never starts.
func (w *Worker) Close() error {
	w.startOnce.Do(func() {})
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return nil
}

// loop is the reconnect loop. Every iteration builds a fresh connection;
// nothing from a failed connection is reused.
func (w *Worker) loop(ctx context.Context) {
	delay := w.reconnectDelay

	for {
		err := w.serve(ctx)
		if ctx.Err() != nil {
			return
		}

		if w.established {
			delay = w.reconnectDelay
		}

		w.logger.Warn("connection to log periodic server failed, retrying",
			"uri", w.uri,
			"error", err,
			"delay", delay,
		)
		if w.onDisconnect != nil {
			w.onDisconnect(err)
		}

		select {
		case <-w.clock.After(delay):
		case <-ctx.Done():
			return
		}

		delay = w.nextDelay(delay)
	}
}

// serve runs one connection until it fails or ctx is cancelled.
func (w *Worker) serve(ctx context.Context) error {
	w.established = false

	conn, err := Dial(ctx, DialOptions{
		URI:              w.uri,
		TLSNoVerify:      w.tlsNoVerify,
		HandshakeTimeout: w.handshakeTimeout,
		WriteTimeout:     w.writeTimeout,
	})
	if err != nil {
		return err
	}

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		for {
			data, err := conn.ReceiveMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-stop:
				return
			}
		}
	}()

	handshake := &Init{
		Token:    w.token,
		Protocol: w.protocol,
		OnIni:    w.handleIni,
	}
	if err := w.send(conn, 0, handshake); err != nil {
		return err
	}

	// Replay everything still active, oldest first, before any new
	// submission is looked at.
	for _, id := range slices.Sorted(maps.Keys(w.active)) {
		if err := w.send(conn, id, w.active[id]); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.GracefulClose()
			return ctx.Err()

		case <-w.wake:
			if err := w.flushQueue(conn); err != nil {
				return err
			}

		case data := <-inbound:
			w.dispatch(handshake, data)

		case err := <-readErr:
			return err
		}
	}
}

// flushQueue assigns ids to every queued request and writes them. Ids and
// active-table entries are assigned for the whole batch before the first
// write, so a write failure leaves nothing tracked unsent on replay.
func (w *Worker) flushQueue(conn *WebSocketConnection) error {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	ids := make([]uint64, len(batch))
	for i, req := range batch {
		w.nextID++
		ids[i] = w.nextID
		if tracked(req) {
			w.supersede(req)
			w.active[ids[i]] = req
		}
	}

	for i, req := range batch {
		if err := w.send(conn, ids[i], req); err != nil {
			return err
		}
	}
	return nil
}

// supersede removes the active request that req replaces. A heartbeat
// replaces the previous heartbeat of the same event.
func (w *Worker) supersede(req Request) {
	hb, ok := req.(*Heartbeat)
	if !ok {
		return
	}
	for id, active := range w.active {
		if prev, ok := active.(*Heartbeat); ok && prev.EventID == hb.EventID {
			delete(w.active, id)
		}
	}
}

// send renders and writes one request. A request that fails to render is
// dropped; it could never be sent.
func (w *Worker) send(conn *WebSocketConnection, id uint64, req Request) error {
	body, err := req.Render()
	if err != nil {
		w.logger.Error("dropping request that failed to render",
			"id", id,
			"op", req.Op(),
			"error", err,
		)
		delete(w.active, id)
		return nil
	}

	if err := conn.SendMessage(Header{ID: id, Op: req.Op()}, body); err != nil {
		return fmt.Errorf("sending %s request %d: %w", req.Op(), id, err)
	}
	return nil
}

// dispatch routes one inbound frame. Malformed frames are dropped
// without touching the connection.
func (w *Worker) dispatch(handshake *Init, data []byte) {
	msg, err := ParseServerMessage(data)
	if err != nil {
		w.logger.Warn("dropping malformed message", "error", err)
		return
	}

	id := msg.Header.ID
	if id == 0 {
		if err := handshake.Handle(w, msg.Body); err != nil {
			w.logger.Warn("dropping malformed connection message", "error", err)
		}
		return
	}

	req, ok := w.active[id]
	if !ok {
		w.logger.Debug("response for unknown request", "id", id, "op", msg.Header.Op)
		return
	}

	if text, failed := applicationError(msg.Body); failed {
		w.logger.Warn("request failed", "id", id, "op", req.Op(), "error", text)
		return
	}

	if err := req.Handle(w, msg.Body); err != nil {
		w.logger.Warn("dropping malformed response", "id", id, "op", req.Op(), "error", err)
	}

	if msg.Header.Fin {
		delete(w.active, id)
	}
}

// handleIni records whether the handshake succeeded, for backoff reset,
// and forwards the response.
func (w *Worker) handleIni(resp IniResponse) {
	if err := resp.Err(); err == nil {
		w.established = true
	} else if !errors.Is(err, ErrPermissionDenied) {
		w.logger.Warn("handshake rejected", "error", err)
	}

	if w.onIni != nil {
		w.onIni(resp)
	}
}

// nextDelay returns the pause to take after a failed attempt that
// followed a pause of prev.
func (w *Worker) nextDelay(prev time.Duration) time.Duration {
	if w.maxReconnectDelay <= 0 {
		return w.reconnectDelay
	}
	return min(prev*2, w.maxReconnectDelay)
}
