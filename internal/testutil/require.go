// Package testutil provides shared test helpers.
//
// RequireReceive and RequireNoReceive wrap the select-with-timeout
// pattern so individual tests do not need direct time.After calls.
package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"
)

// Timeout bounds every cross-goroutine wait in the test suite
const Timeout = 5 * time.Second

// RequireReceive reads one value from ch within Timeout, or fails the test
func RequireReceive[T any](t testing.TB, ch <-chan T, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(Timeout):
		t.Fatalf("timed out after %v: %s", Timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch delivers a value within wait
func RequireNoReceive[T any](t testing.TB, ch <-chan T, wait time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v: %s", v, formatMessage(msgAndArgs))
		}
	case <-time.After(wait):
	}
}

// RequireClosed waits for ch to be closed within Timeout
func RequireClosed[T any](t testing.TB, ch <-chan T, msgAndArgs ...any) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to be closed, got a value: %s", formatMessage(msgAndArgs))
		}
	case <-time.After(Timeout):
		t.Fatalf("timed out after %v: %s", Timeout, formatMessage(msgAndArgs))
	}
}

// SocketDir creates a short temporary directory for unix sockets, whose
// paths are limited to 108 bytes.
func SocketDir(t testing.TB) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "logp-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
