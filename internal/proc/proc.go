//go:build unix

// Package proc builds the data recorded for a wrapped process: who
// started it, how it terminated, what it cost, and the child processes
// the trace library reported along the way.
package proc

import (
	"log/slog"
	"os"
	"os/user"
	"path"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Start is the da object of a start record
type Start struct {
	Type     string            `json:"type"`
	Cmd      []string          `json:"cmd"`
	Hostname string            `json:"hostname,omitempty"`
	User     string            `json:"user,omitempty"`
	PID      int               `json:"pid"`
	PPID     int               `json:"ppid"`
	Env      map[string]string `json:"env,omitempty"`
}

// StartData describes a child that was just started with argv. Variables
// of the current environment whose names match one of envPatterns are
// recorded.
func StartData(argv []string, pid int, envPatterns []string, logger *slog.Logger) Start {
	data := Start{
		Type: "cmd",
		Cmd:  argv,
		PID:  pid,
		PPID: os.Getppid(),
		Env:  CaptureEnv(envPatterns, os.Environ()),
	}

	if hostname, err := os.Hostname(); err == nil {
		data.Hostname = hostname
	} else {
		logger.Error("couldn't determine hostname", "error", err)
	}

	if u, err := user.Current(); err == nil {
		data.User = u.Username
	}

	return data
}

// CaptureEnv returns the entries of environ whose names match one of the
// glob patterns
func CaptureEnv(patterns []string, environ []string) map[string]string {
	if len(patterns) == 0 {
		return nil
	}

	captured := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, pattern := range patterns {
			if matched, err := path.Match(pattern, name); err == nil && matched {
				captured[name] = value
				break
			}
		}
	}

	if len(captured) == 0 {
		return nil
	}
	return captured
}

// Rusage is the resource usage of a finished process. Times are in
// microseconds and maxrss in kilobytes.
type Rusage struct {
	Utime   int64 `json:"utime"`
	Stime   int64 `json:"stime"`
	Maxrss  int64 `json:"maxrss"`
	Minflt  int64 `json:"minflt"`
	Majflt  int64 `json:"majflt"`
	Inblock int64 `json:"inblock"`
	Oublock int64 `json:"oublock"`
	Nvcsw   int64 `json:"nvcsw"`
	Nivcsw  int64 `json:"nivcsw"`
}

// End is the da object of an end record
type End struct {
	Term   string `json:"term"`
	Exit   *int   `json:"exit,omitempty"`
	Signal string `json:"signal,omitempty"`
	Core   bool   `json:"core,omitempty"`
	Rusage Rusage `json:"rusage"`
}

// EndData describes how the process behind state terminated
func EndData(state *os.ProcessState) End {
	var ws unix.WaitStatus
	if status, ok := state.Sys().(syscall.WaitStatus); ok {
		ws = unix.WaitStatus(status)
	}

	var ru *syscall.Rusage
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		ru = usage
	}

	return endData(ws, ru)
}

func endData(ws unix.WaitStatus, ru *syscall.Rusage) End {
	var end End

	switch {
	case ws.Exited():
		code := ws.ExitStatus()
		end.Term = "exit"
		end.Exit = &code
	case ws.Signaled():
		end.Term = "signal"
		end.Signal = unix.SignalName(ws.Signal())
		if end.Signal == "" {
			end.Signal = ws.Signal().String()
		}
		end.Core = ws.CoreDump()
	default:
		end.Term = "unknown"
	}

	if ru != nil {
		maxrss := int64(ru.Maxrss)
		if runtime.GOOS == "darwin" {
			maxrss /= 1024
		}
		end.Rusage = Rusage{
			Utime:   timevalMicros(ru.Utime),
			Stime:   timevalMicros(ru.Stime),
			Maxrss:  maxrss,
			Minflt:  int64(ru.Minflt),
			Majflt:  int64(ru.Majflt),
			Inblock: int64(ru.Inblock),
			Oublock: int64(ru.Oublock),
			Nvcsw:   int64(ru.Nvcsw),
			Nivcsw:  int64(ru.Nivcsw),
		}
	}

	return end
}

func timevalMicros(tv syscall.Timeval) int64 {
	return int64(tv.Sec)*1000000 + int64(tv.Usec)
}

// ExitCode returns the status the wrapper should exit with to mirror the
// child: its exit code, or 128 plus the signal number that killed it.
func ExitCode(state *os.ProcessState) int {
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	return 1
}

// Record is the da object of a proc record
type Record struct {
	PID    int      `json:"pid"`
	PPID   int      `json:"ppid,omitempty"`
	Argv   []string `json:"argv,omitempty"`
	EvPID  uint64   `json:"evpid,omitempty"`
	EvPPID uint64   `json:"evppid,omitempty"`
	What   string   `json:"what"`
}

// Tracker numbers traced processes in the order they report, so records
// can refer to each other without exposing reused OS pids
type Tracker struct {
	mu    sync.Mutex
	next  uint64
	byPID map[int]uint64
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{next: 1, byPID: make(map[int]uint64)}
}

// Started assigns the next number to pid and links it to its parent if
// the parent is known
func (t *Tracker) Started(pid, ppid int, argv []string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := Record{
		PID:    pid,
		PPID:   ppid,
		Argv:   argv,
		EvPID:  t.next,
		EvPPID: t.byPID[ppid],
		What:   "start",
	}
	t.byPID[pid] = t.next
	t.next++
	return record
}

// Ended describes the exit of pid
func (t *Tracker) Ended(pid int) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Record{
		PID:   pid,
		EvPID: t.byPID[pid],
		What:  "end",
	}
}
