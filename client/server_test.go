package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/logperiodic/logp/internal/testutil"
)

// frame is one decoded client-to-server message
type frame struct {
	Header Header
	Body   json.RawMessage
}

// serverConn is the server side of one accepted connection
type serverConn struct {
	conn   *websocket.Conn
	frames chan frame
}

// testServer is a collection endpoint driven step by step by a test
type testServer struct {
	*httptest.Server
	conns chan *serverConn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *serverConn, 16)}
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, frames: make(chan frame, 64)}
		go sc.readLoop()
		ts.conns <- sc
	}))
	t.Cleanup(ts.Close)
	return ts
}

// URI returns the ws:// address of the server
func (ts *testServer) URI() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// accept waits for the next client connection
func (ts *testServer) accept(t *testing.T) *serverConn {
	t.Helper()
	return testutil.RequireReceive(t, ts.conns, "waiting for a client connection")
}

func (sc *serverConn) readLoop() {
	defer close(sc.frames)
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseServerMessage(data)
		if err != nil {
			continue
		}
		sc.frames <- frame{Header: msg.Header, Body: msg.Body}
	}
}

// next waits for the next frame the client sent
func (sc *serverConn) next(t *testing.T) frame {
	t.Helper()
	return testutil.RequireReceive(t, sc.frames, "waiting for a client frame")
}

// send writes a raw header and body to the client
func (sc *serverConn) send(t *testing.T, header string, body string) {
	t.Helper()
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(header+"\n"+body+"\n")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

// reply writes a correlated response to id
func (sc *serverConn) reply(t *testing.T, id uint64, op Op, fin bool, body string) {
	t.Helper()
	header := fmt.Sprintf(`{"id":%d,"op":%q}`, id, op)
	if fin {
		header = fmt.Sprintf(`{"id":%d,"op":%q,"fin":true}`, id, op)
	}
	sc.send(t, header, body)
}

// acceptHandshake reads the ini frame and answers it with full permissions
func (sc *serverConn) acceptHandshake(t *testing.T) frame {
	t.Helper()
	ini := sc.next(t)
	if ini.Header.ID != 0 || ini.Header.Op != OpInit {
		t.Fatalf("first frame = %+v, want ini with id 0", ini.Header)
	}
	sc.send(t, `{"id":0,"op":"ini"}`, `{"ini":"ok","prot":1,"time":1700000000000000,"perm":3}`)
	return ini
}

func (sc *serverConn) close() {
	sc.conn.Close()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
