package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/logperiodic/logp/client"
	"github.com/logperiodic/logp/event"
	"github.com/logperiodic/logp/internal/capture"
	"github.com/logperiodic/logp/internal/clock"
	"github.com/logperiodic/logp/internal/proc"
	"github.com/logperiodic/logp/internal/trace"
)

// defaultShutdownTimeout applies when run.shutdown_timeout is empty or
// zero
const defaultShutdownTimeout = 4 * time.Second

// errNoWriteAccess is reported when the API key cannot append entries
var errNoWriteAccess = errors.New("API key does not grant write access")

// runOptions holds the flags of "logp run"
type runOptions struct {
	noStderr bool
	stdout   bool
	fork     bool
}

// newRunCmd creates the "logp run" subcommand
func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [flags] [--] <command> [args...]",
		Short: "Run a command and record it as an event",
		Long: "Runs a command and uploads its start, its captured output and how it\n" +
			"terminated. logp exits with the command's status once everything has\n" +
			"been acknowledged by the server.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("must provide a command after run, ie 'logp run sleep 10'")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args, opts)
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&opts.noStderr, "no-stderr", false, "don't capture stderr")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "capture stdout")
	cmd.Flags().BoolVarP(&opts.fork, "fork", "f", false, "record the processes the command starts (needs run.preload)")

	return cmd
}

// textData is the da object of a stdout or stderr record
type textData struct {
	Text string `json:"txt"`
}

// runMsg is one notification for the run loop. Captures and the trace
// listener report through a single channel so a stream's data is always
// appended before its end of file is seen.
type runMsg struct {
	entry          event.Entry
	streamFinished bool
}

// exitResult is the outcome of waiting for the child
type exitResult struct {
	state     *os.ProcessState
	timestamp uint64
}

// runner records one child process as an event
type runner struct {
	logger  *slog.Logger
	clock   clock.Clock
	session *event.Session
	tracker *proc.Tracker

	msgs    chan runMsg
	stopped chan struct{}
}

func (a *app) run(cmd *cobra.Command, args []string, opts runOptions) error {
	timeout, err := a.cfg.ShutdownTimeout()
	if err != nil {
		return err
	}
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	if opts.fork && a.cfg.Run.Preload == "" {
		return errors.New("--fork needs run.preload to name the trace library")
	}

	fatal := make(chan error, 1)
	worker, err := a.newWorker(func(resp client.IniResponse) {
		err := iniError(resp)
		if err == nil && !resp.CanWrite() {
			err = &exitError{code: exitPermissionDenied, err: errNoWriteAccess}
		}
		if err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}, nil)
	if err != nil {
		return err
	}
	worker.Run(cmd.Context())
	defer worker.Close()

	flushed := make(chan struct{})
	r := &runner{
		logger:  a.logger,
		clock:   a.clock,
		tracker: proc.NewTracker(),
		msgs:    make(chan runMsg, 64),
		stopped: make(chan struct{}),
	}
	r.session = event.New(event.Config{
		Submitter: worker,
		Clock:     a.clock,
		Logger:    a.logger,
		OnFlushed: func(eventID uint64) {
			a.logger.Debug("event flushed", "event_id", eventID)
			close(flushed)
		},
	})

	// Signals are watched before the child exists so none is lost.
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	child := exec.Command(args[0], args[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = os.Environ()

	if opts.fork {
		listener, err := trace.Listen(trace.Config{
			Clock:  a.clock,
			Logger: a.logger,
			OnStart: func(timestamp uint64, p trace.Process) {
				r.send(runMsg{entry: event.Entry{Type: "proc", At: timestamp, Data: r.tracker.Started(p.PID, p.PPID, p.Argv)}})
			},
			OnEnd: func(timestamp uint64, pid int) {
				r.send(runMsg{entry: event.Entry{Type: "proc", At: timestamp, Data: r.tracker.Ended(pid)}})
			},
		})
		if err != nil {
			return err
		}
		defer listener.Close()
		child.Env = childEnv(child.Env, listener.Env(), "LD_PRELOAD="+a.cfg.Run.Preload)
	}

	var captures []*capture.Capturer
	if !opts.noStderr {
		c, err := r.newCapture("stderr", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		child.Stderr = c.Writer()
		captures = append(captures, c)
	}
	if opts.stdout {
		c, err := r.newCapture("stdout", cmd.OutOrStdout())
		if err != nil {
			return err
		}
		child.Stdout = c.Writer()
		captures = append(captures, c)
	}

	for _, c := range captures {
		c.Start()
	}

	startTimestamp := clock.Micros(a.clock.Now())
	err = child.Start()
	for _, c := range captures {
		if derr := c.Detach(); derr != nil {
			a.logger.Warn("unable to detach capture", "error", derr)
		}
	}
	if err != nil {
		return fmt.Errorf("couldn't exec %s: %w", args[0], err)
	}

	pid := child.Process.Pid
	a.logger.Info("executing", "cmd", args[0], "pid", pid)

	err = r.session.Start(event.Entry{
		Type:      "cmd",
		Start:     startTimestamp,
		Data:      proc.StartData(args, pid, a.cfg.Run.Env, a.logger),
		Heartbeat: a.cfg.Run.Heartbeat,
	})
	if err != nil {
		return err
	}

	exited := make(chan exitResult, 1)
	go func() {
		child.Wait()
		exited <- exitResult{state: child.ProcessState, timestamp: clock.Micros(a.clock.Now())}
	}()

	return r.loop(child.Process, len(captures), exited, sigs, flushed, fatal, timeout)
}

// newCapture creates a capture whose batches become records of type
// stream
func (r *runner) newCapture(stream string, tee io.Writer) (*capture.Capturer, error) {
	return capture.New(capture.Config{
		Name:   stream,
		Tee:    tee,
		Clock:  r.clock,
		Logger: r.logger,
		OnData: func(buf []byte, timestamp uint64) {
			r.send(runMsg{entry: event.Entry{Type: stream, At: timestamp, Data: textData{Text: string(buf)}}})
		},
		OnFinished: func() {
			r.send(runMsg{streamFinished: true})
		},
	})
}

// send hands msg to the run loop, or drops it once the loop has returned
func (r *runner) send(msg runMsg) {
	select {
	case r.msgs <- msg:
	case <-r.stopped:
	}
}

// loop appends records until the child has exited and every capture has
// finished, sends the end record, and returns once the event is flushed
// or the shutdown timeout has elapsed. A failed handshake ends the loop
// at once and terminates a child that is still running.
func (r *runner) loop(child *os.Process, open int, exited <-chan exitResult, sigs <-chan os.Signal, flushed <-chan struct{}, fatal <-chan error, timeout time.Duration) error {
	defer close(r.stopped)

	var (
		result   *exitResult
		ended    bool
		watchdog <-chan time.Time
	)

	startWatchdog := func(normal bool) {
		if watchdog != nil {
			return
		}
		if !normal {
			r.logger.Warn("attempting to communicate with log periodic server, please wait...")
		}
		watchdog = r.clock.After(timeout)
	}

	for {
		select {
		case msg := <-r.msgs:
			if msg.streamFinished {
				open--
			} else if err := r.session.Add(msg.entry); err != nil {
				r.logger.Debug("dropping record", "type", msg.entry.Type, "error", err)
			}

		case sig := <-sigs:
			if result == nil && (sig == syscall.SIGTERM || sig == syscall.SIGHUP) {
				if err := child.Signal(sig); err != nil {
					r.logger.Debug("unable to forward signal", "signal", sig, "error", err)
				}
			}
			startWatchdog(false)

		case res := <-exited:
			exited = nil
			result = &res
			r.logger.Info("process exited", "status", describeExit(res.state))
			startWatchdog(true)

		case err := <-fatal:
			if result == nil {
				child.Signal(syscall.SIGTERM)
			}
			return err

		case <-flushed:
			select {
			case err := <-fatal:
				return err
			default:
			}
			return exitStatus(result.state)

		case <-watchdog:
			return &exitError{code: 1, err: errors.New("was unable to communicate with log periodic server")}
		}

		if result != nil && open == 0 && !ended {
			ended = true
			end := event.Entry{Type: "cmd", End: result.timestamp, Data: proc.End{Term: "unknown"}}
			if result.state != nil {
				end.Data = proc.EndData(result.state)
			}
			if err := r.session.End(end); err != nil {
				r.logger.Error("unable to end event", "error", err)
			}
		}
	}
}

// childEnv appends the entries of extra whose names are not already set
// in environ
func childEnv(environ []string, extra ...string) []string {
	env := append([]string(nil), environ...)
	for _, kv := range extra {
		name, _, _ := strings.Cut(kv, "=")
		if !hasEnv(env, name) {
			env = append(env, kv)
		}
	}
	return env
}

func hasEnv(environ []string, name string) bool {
	for _, kv := range environ {
		if k, _, ok := strings.Cut(kv, "="); ok && k == name {
			return true
		}
	}
	return false
}

// exitStatus mirrors the child's termination in logp's own exit status
func exitStatus(state *os.ProcessState) error {
	if state == nil {
		return &exitError{code: 1}
	}
	if code := proc.ExitCode(state); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func describeExit(state *os.ProcessState) string {
	if state == nil {
		return "unknown"
	}
	return state.String()
}
