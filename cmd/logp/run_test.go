package main

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
)

func TestChildEnvKeepsExistingValues(t *testing.T) {
	environ := []string{"PATH=/bin", "LD_PRELOAD=/custom.so"}

	got := childEnv(environ, "LOGP_SOCKET_PATH=/tmp/s", "LD_PRELOAD=/logp.so")
	want := []string{"PATH=/bin", "LD_PRELOAD=/custom.so", "LOGP_SOCKET_PATH=/tmp/s"}
	if !slices.Equal(got, want) {
		t.Fatalf("childEnv = %v, want %v", got, want)
	}
	if len(environ) != 2 {
		t.Fatalf("childEnv modified its input: %v", environ)
	}
}

func TestForkNeedsPreload(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "ws://127.0.0.1:1", "")

	res := logp(t, "--config", path, "run", "-f", "true")
	if res.code != 1 || !strings.Contains(res.stderr, "run.preload") {
		t.Fatalf("result = %+v", res)
	}
}

// record is the subset of an appended entry the run tests inspect
type record struct {
	Type    string          `json:"ty"`
	Start   uint64          `json:"st"`
	End     uint64          `json:"en"`
	At      uint64          `json:"at"`
	EventID uint64          `json:"ev"`
	Data    json.RawMessage `json:"da"`
}

func TestRunUploadsEvent(t *testing.T) {
	isolate(t)
	server := newFakeServer(t, 3)
	path := writeConfig(t, server.URI(), "run:\n  heartbeat: 0\n")

	res := logp(t, "--config", path, "run", "--stdout", "--", "sh", "-c", "echo out; echo err >&2; exit 3")
	if res.code != 3 {
		t.Fatalf("exit code = %d, stderr:\n%s", res.code, res.stderr)
	}
	if !strings.Contains(res.stdout, "out\n") || !strings.Contains(res.stderr, "err\n") {
		t.Fatalf("output was not passed through: %+v", res)
	}

	var records []record
	for _, body := range server.received("add") {
		var r record
		if err := json.Unmarshal(body, &r); err != nil {
			t.Fatalf("bad add body %s: %v", body, err)
		}
		records = append(records, r)
	}
	if len(records) != 4 {
		t.Fatalf("received %d records: %+v", len(records), records)
	}

	first, last := records[0], records[len(records)-1]
	if first.Type != "cmd" || first.Start == 0 || first.EventID != 0 {
		t.Fatalf("start record = %+v", first)
	}
	var start struct {
		Type string   `json:"type"`
		Cmd  []string `json:"cmd"`
		PID  int      `json:"pid"`
	}
	json.Unmarshal(first.Data, &start)
	if start.Type != "cmd" || start.PID == 0 || !slices.Equal(start.Cmd, []string{"sh", "-c", "echo out; echo err >&2; exit 3"}) {
		t.Fatalf("start data = %s", first.Data)
	}

	if last.Type != "cmd" || last.End == 0 || last.EventID != 42 {
		t.Fatalf("end record = %+v", last)
	}
	var end struct {
		Term string `json:"term"`
		Exit *int   `json:"exit"`
	}
	json.Unmarshal(last.Data, &end)
	if end.Term != "exit" || end.Exit == nil || *end.Exit != 3 {
		t.Fatalf("end data = %s", last.Data)
	}

	output := map[string]string{}
	for _, r := range records[1:3] {
		var text textData
		json.Unmarshal(r.Data, &text)
		if r.EventID != 42 || r.At == 0 {
			t.Fatalf("output record = %+v", r)
		}
		output[r.Type] += text.Text
	}
	if output["stdout"] != "out\n" || output["stderr"] != "err\n" {
		t.Fatalf("captured output = %v", output)
	}
}

func TestRunWithoutCaptures(t *testing.T) {
	isolate(t)
	server := newFakeServer(t, 3)
	path := writeConfig(t, server.URI(), "")

	res := logp(t, "--config", path, "run", "--no-stderr", "true")
	if res.code != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := len(server.received("add")); got != 2 {
		t.Fatalf("received %d records, want start and end", got)
	}
}

func TestRunWithoutWriteAccess(t *testing.T) {
	tests := []struct {
		name string
		perm uint64
		want string
	}{
		{"no permissions", 0, "permission denied"},
		{"read only", 1, "does not grant write access"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			server := newFakeServer(t, tt.perm)
			path := writeConfig(t, server.URI(), "run:\n  heartbeat: 0\n")

			res := logp(t, "--config", path, "run", "--no-stderr", "sleep", "5")
			if res.code != exitPermissionDenied {
				t.Fatalf("exit code = %d, want %d, stderr:\n%s", res.code, exitPermissionDenied, res.stderr)
			}
			if !strings.Contains(res.stderr, tt.want) {
				t.Fatalf("stderr = %q, want it to mention %q", res.stderr, tt.want)
			}
		})
	}
}
