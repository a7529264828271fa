package core

import "time"

// RetryStrategy is the timing policy consumed by the selective-retry
// iterator. NextTimeout returns the duration to wait before retrying a
// still-outstanding partition id given how many attempts it has already
// had; ok=false means the strategy denies any further attempt (the
// Exhausted transition in spec §4.5).
type RetryStrategy interface {
	InitialTimeout() time.Duration
	NextTimeout(attempt int) (timeout time.Duration, ok bool)
}

// Canceler stops a scheduled callback. Stop reports whether the callback
// was successfully stopped before it fired.
type Canceler interface {
	Stop() bool
}

// Scheduler arms a callback to run after a delay, standing in for "a
// shared scheduler thread pool supplied externally" (spec §5). The
// default implementation wraps time.AfterFunc; production callers with a
// bounded worker pool can supply their own.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Canceler
}

type timeAfterFuncScheduler struct{}

// TimeScheduler is the default Scheduler, backed by time.AfterFunc.
var TimeScheduler Scheduler = timeAfterFuncScheduler{}

func (timeAfterFuncScheduler) AfterFunc(d time.Duration, f func()) Canceler {
	return time.AfterFunc(d, f)
}
