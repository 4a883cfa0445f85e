package capture

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/logperiodic/logp/internal/clock"
	"github.com/logperiodic/logp/internal/testutil"
)

type batch struct {
	data      string
	timestamp uint64
}

type recorder struct {
	mu      sync.Mutex
	batches []batch
}

func (r *recorder) onData(buf []byte, timestamp uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch{string(buf), timestamp})
}

func (r *recorder) snapshot() []batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]batch(nil), r.batches...)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newCapturer(t *testing.T, fake *clock.FakeClock, tee *bytes.Buffer, rec *recorder, finished chan struct{}) *Capturer {
	t.Helper()
	c, err := New(Config{
		Name:       "stdout",
		Tee:        tee,
		Clock:      fake,
		OnData:     rec.onData,
		OnFinished: func() { close(finished) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Start()
	return c
}

func TestDebouncedFlush(t *testing.T) {
	fake := clock.Fake(epoch)
	tee := &bytes.Buffer{}
	rec := &recorder{}
	finished := make(chan struct{})
	c := newCapturer(t, fake, tee, rec, finished)

	if _, err := c.Writer().Write([]byte("hello\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	fake.WaitForTimers(1)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flushed %v before the debounce elapsed", got)
	}

	fake.Advance(DefaultDebounce)
	got := rec.snapshot()
	if len(got) != 1 || got[0].data != "hello\n" || got[0].timestamp != clock.Micros(epoch) {
		t.Fatalf("batches = %+v", got)
	}

	if err := c.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	testutil.RequireClosed(t, finished, "waiting for OnFinished")

	if tee.String() != "hello\n" {
		t.Fatalf("tee received %q", tee.String())
	}
	if len(rec.snapshot()) != 1 {
		t.Fatalf("empty flush on close: %+v", rec.snapshot())
	}
}

func TestCloseFlushesPendingData(t *testing.T) {
	fake := clock.Fake(epoch)
	tee := &bytes.Buffer{}
	rec := &recorder{}
	finished := make(chan struct{})
	c := newCapturer(t, fake, tee, rec, finished)

	c.Writer().Write([]byte("partial"))
	if err := c.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	testutil.RequireClosed(t, finished, "waiting for OnFinished")
	testutil.RequireClosed(t, c.Done(), "waiting for Done")

	got := rec.snapshot()
	if len(got) != 1 || got[0].data != "partial" {
		t.Fatalf("batches = %+v", got)
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("%d debounce timers left pending", fake.PendingCount())
	}
}

func TestFinishedWithoutData(t *testing.T) {
	rec := &recorder{}
	finished := make(chan struct{})
	c := newCapturer(t, clock.Fake(epoch), &bytes.Buffer{}, rec, finished)

	c.Detach()
	testutil.RequireClosed(t, finished, "waiting for OnFinished")
	if len(rec.snapshot()) != 0 {
		t.Fatalf("batches = %+v", rec.snapshot())
	}
}

func TestDetachTwice(t *testing.T) {
	c := newCapturer(t, clock.Fake(epoch), &bytes.Buffer{}, &recorder{}, make(chan struct{}))
	if err := c.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if err := c.Detach(); err != nil {
		t.Fatalf("second Detach failed: %v", err)
	}
}

func TestFlushKeepsSplitRuneTogether(t *testing.T) {
	fake := clock.Fake(epoch)
	tee := &bytes.Buffer{}
	rec := &recorder{}
	finished := make(chan struct{})
	c := newCapturer(t, fake, tee, rec, finished)

	c.Writer().Write([]byte("caf\xc3"))
	fake.WaitForTimers(1)
	fake.Advance(DefaultDebounce)
	if got := rec.snapshot(); len(got) != 1 || got[0].data != "caf" {
		t.Fatalf("batches = %+v", got)
	}

	c.Writer().Write([]byte("\xa9!"))
	fake.WaitForTimers(1)
	fake.Advance(DefaultDebounce)
	got := rec.snapshot()
	if len(got) != 2 || got[1].data != "é!" {
		t.Fatalf("batches = %+v", got)
	}

	c.Detach()
	testutil.RequireClosed(t, finished, "waiting for OnFinished")
	if tee.String() != "café!" {
		t.Fatalf("tee received %q", tee.String())
	}
}

func TestCloseFlushesIncompleteRune(t *testing.T) {
	rec := &recorder{}
	finished := make(chan struct{})
	c := newCapturer(t, clock.Fake(epoch), &bytes.Buffer{}, rec, finished)

	c.Writer().Write([]byte("x\xe2\x82"))
	c.Detach()
	testutil.RequireClosed(t, finished, "waiting for OnFinished")

	got := rec.snapshot()
	if len(got) != 1 || got[0].data != "x\xe2\x82" {
		t.Fatalf("batches = %+v", got)
	}
}

func TestCompleteRunes(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"é", 2},
		{"a\xc3", 1},
		{"\xe2\x82", 0},
		{"a\xf0\x9f\x98", 1},
		{"a\xf0\x9f\x98\x80", 5},
		{"a\xff", 2},
		{"a\x80", 2},
	}
	for _, tt := range tests {
		if got := completeRunes([]byte(tt.in)); got != tt.want {
			t.Errorf("completeRunes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
