package queue

import "time"

// Clock is the single time authority for scheduling comparisons. All
// persisted timestamps are epoch milliseconds from NowMS.
type Clock interface {
	NowMS() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// NowMS returns the current time in epoch milliseconds.
func (SystemClock) NowMS() int64 {
	return time.Now().UnixMilli()
}
