package core

import "time"

// Clock supplies operation timestamps in unix seconds. The engine never reads
// wall-clock time directly, so tests and replays control time completely.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }
