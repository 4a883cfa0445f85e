package trace

import (
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/logperiodic/logp/internal/clock"
	"github.com/logperiodic/logp/internal/testutil"
)

type started struct {
	timestamp uint64
	proc      Process
}

type ended struct {
	timestamp uint64
	pid       int
}

func listen(t *testing.T, fake *clock.FakeClock) (*Listener, chan started, chan ended) {
	t.Helper()
	starts := make(chan started, 8)
	ends := make(chan ended, 8)

	l, err := Listen(Config{
		Dir:     testutil.SocketDir(t),
		Clock:   fake,
		OnStart: func(ts uint64, p Process) { starts <- started{ts, p} },
		OnEnd:   func(ts uint64, pid int) { ends <- ended{ts, pid} },
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, starts, ends
}

func TestStartAndEnd(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l, starts, ends := listen(t, fake)

	conn, err := net.Dial("unix", l.Path())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Write([]byte(`{"pid":100,"ppid":99,"argv":["sh","-c","true"]}` + "\n"))

	s := testutil.RequireReceive(t, starts, "waiting for OnStart")
	if s.proc.PID != 100 || s.proc.PPID != 99 || strings.Join(s.proc.Argv, " ") != "sh -c true" {
		t.Fatalf("OnStart received %+v", s.proc)
	}
	if s.timestamp != clock.Micros(fake.Now()) {
		t.Fatalf("start timestamp = %d", s.timestamp)
	}

	fake.Advance(time.Second)
	conn.Close()

	e := testutil.RequireReceive(t, ends, "waiting for OnEnd")
	if e.pid != 100 || e.timestamp != clock.Micros(fake.Now()) {
		t.Fatalf("OnEnd received %+v", e)
	}
}

func TestMalformedMessagesAreSkipped(t *testing.T) {
	l, starts, ends := listen(t, clock.Fake(time.Unix(0, 0)))

	conn, err := net.Dial("unix", l.Path())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Write([]byte("garbage\n\n" + `{"pid":7,"ppid":1}` + "\n" + `{"pid":8,"ppid":1}` + "\n"))

	s := testutil.RequireReceive(t, starts, "waiting for OnStart")
	if s.proc.PID != 7 {
		t.Fatalf("OnStart pid = %d, want 7", s.proc.PID)
	}
	conn.Close()

	if e := testutil.RequireReceive(t, ends, "waiting for OnEnd"); e.pid != 7 {
		t.Fatalf("OnEnd pid = %d, want 7", e.pid)
	}
	testutil.RequireNoReceive(t, starts, 50*time.Millisecond, "repeated message reported as a new process")
}

func TestSilentConnectionHasNoEnd(t *testing.T) {
	l, _, ends := listen(t, clock.Fake(time.Unix(0, 0)))

	conn, err := net.Dial("unix", l.Path())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	testutil.RequireNoReceive(t, ends, 50*time.Millisecond, "end reported for a process that never started")
}

func TestCloseRemovesSocket(t *testing.T) {
	l, _, _ := listen(t, clock.Fake(time.Unix(0, 0)))

	if !strings.HasPrefix(l.Env(), SocketEnv+"=") {
		t.Fatalf("Env = %q", l.Env())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("socket still exists after Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
