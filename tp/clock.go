package tp

import "time"

// Clock abstracts monotonic time so session timeouts can run against
// simulated time in tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the session needs. The usual
// stop-and-drain discipline applies before Reset.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) C() <-chan time.Time        { return t.t.C }
func (t systemTimer) Stop() bool                 { return t.t.Stop() }
func (t systemTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }

// stopTimer stops t and drains a pending tick so a later Reset starts clean.
func stopTimer(t Timer) {
	if !t.Stop() {
		select {
		case <-t.C():
		default:
		}
	}
}

// restartTimer arms t for d from now, discarding any pending tick.
func restartTimer(t Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
