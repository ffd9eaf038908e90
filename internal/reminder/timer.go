package reminder

import "time"

// Timer is the host wake-up capability. ScheduleAt runs fn once at (or
// after) at. Errors wrapping notification.ErrTransientIO are retried.
type Timer interface {
	ScheduleAt(at time.Time, fn func()) (Handle, error)
}

type Handle interface {
	Stop() bool
}

// WallTimer schedules on the process wall clock.
type WallTimer struct{}

func (WallTimer) ScheduleAt(at time.Time, fn func()) (Handle, error) {
	return time.AfterFunc(max(time.Until(at), 0), fn), nil
}
