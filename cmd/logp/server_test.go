package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// serverTime is the clock the fake server reports
const serverTime = 1700000000000000

// frame is one request the fake server received
type frame struct {
	ID   uint64
	Op   string
	Body json.RawMessage
}

// fakeServer answers every request the agent makes without test
// involvement: it accepts the handshake with perm, acknowledges appends
// and answers each get with backfill, the monitoring switch and live.
type fakeServer struct {
	*httptest.Server
	perm     uint64
	backfill []string
	live     []string

	mu     sync.Mutex
	frames []frame
}

func newFakeServer(t *testing.T, perm uint64) *fakeServer {
	t.Helper()
	fs := &fakeServer{perm: perm}
	upgrader := websocket.Upgrader{}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := fs.respond(conn, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

// URI returns the ws:// address of the server
func (fs *fakeServer) URI() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) respond(conn *websocket.Conn, data []byte) error {
	head, body, _ := bytes.Cut(data, []byte("\n"))
	var header struct {
		ID uint64 `json:"id"`
		Op string `json:"op"`
	}
	if err := json.Unmarshal(head, &header); err != nil {
		return err
	}
	f := frame{ID: header.ID, Op: header.Op, Body: bytes.TrimSpace(body)}

	fs.mu.Lock()
	fs.frames = append(fs.frames, f)
	fs.mu.Unlock()

	write := func(fin bool, body string) error {
		h := fmt.Sprintf(`{"id":%d,"op":%q}`, f.ID, f.Op)
		if fin {
			h = fmt.Sprintf(`{"id":%d,"op":%q,"fin":true}`, f.ID, f.Op)
		}
		return conn.WriteMessage(websocket.TextMessage, []byte(h+"\n"+body+"\n"))
	}

	switch f.Op {
	case "ini":
		return write(false, fmt.Sprintf(`{"ini":"ok","prot":1,"time":%d,"perm":%d}`, serverTime, fs.perm))
	case "png":
		return write(true, fmt.Sprintf(`{"time":%d}`, serverTime))
	case "add":
		var entry map[string]any
		json.Unmarshal(f.Body, &entry)
		if _, ok := entry["ev"]; !ok {
			return write(true, `{"ev":42}`)
		}
		return write(true, `{}`)
	case "hrt":
		return write(true, `{}`)
	case "get":
		var elements []string
		for _, e := range fs.backfill {
			elements = append(elements, `{"e":`+e+`}`)
		}
		elements = append(elements, `{"p":{"ph":"mn"}}`)
		for _, e := range fs.live {
			elements = append(elements, `{"e":`+e+`}`)
		}
		return write(false, "["+strings.Join(elements, ",")+"]")
	}
	return nil
}

// received returns the bodies of every frame with op
func (fs *fakeServer) received(op string) []json.RawMessage {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var bodies []json.RawMessage
	for _, f := range fs.frames {
		if f.Op == op {
			bodies = append(bodies, f.Body)
		}
	}
	return bodies
}

// syncBuffer is a bytes.Buffer safe for the concurrent writers a run
// produces
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// isolate points every configuration source at a fresh directory
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOGP_CONFIG", "")
	t.Setenv("LOGP_ENDPOINT", "")
	t.Setenv("LOGP_APIKEY", "")
	return home
}

// writeConfig writes a YAML config file connecting to uri
func writeConfig(t *testing.T, uri string, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logp.yaml")
	content := fmt.Sprintf("endpoint: %s\napikey: testkey\nreconnect_delay: 50ms\n%s", uri, extra)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

type result struct {
	code   int
	stdout string
	stderr string
}

// logp runs the command line in-process
func logp(t *testing.T, args ...string) result {
	t.Helper()
	return logpInput(t, "", args...)
}

// logpInput runs the command line with stdin as its standard input
func logpInput(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	code := execute(context.Background(), args, strings.NewReader(stdin), stdout, stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}
