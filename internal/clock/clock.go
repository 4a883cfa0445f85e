// Package clock abstracts the time operations the agent schedules work
// with, so reconnect delays, heartbeats and output debouncing can be
// driven deterministically in tests.
package clock

import "time"

// Clock is implemented by Real and by FakeClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel a call that has not happened yet.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from happening. It returns false if the call
// already happened or the timer was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Micros converts t to microseconds since the Unix epoch, the unit every
// timestamp on the wire uses.
func Micros(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}
