package ramses

import "time"

// Scheduler runs a callback after a delay. The returned function cancels
// the callback and reports whether it was still pending.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

// clockScheduler schedules on the runtime timer.
type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// ClockScheduler returns the Scheduler backed by time.AfterFunc.
func ClockScheduler() Scheduler {
	return clockScheduler{}
}
