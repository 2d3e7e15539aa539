package pool

import "time"

// NewStoppedTimer returns a timer that will not fire until it is reset.
func NewStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	StopTimer(t)
	return t
}

// StopTimer stops t and drains a pending fire, so that a following Reset
// never delivers a stale tick.
func StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// ResetTimer stops, drains and restarts t with d. Used to debounce bursts
// of file system events.
func ResetTimer(t *time.Timer, d time.Duration) {
	if t == nil {
		return
	}
	StopTimer(t)
	t.Reset(d)
}
