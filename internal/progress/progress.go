// Package progress tracks attempted manifest lines and derives throughput.
package progress

import (
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing count shared by all workers.
type Counter struct {
	n atomic.Int64
}

// Inc records one more attempted line and returns the new total.
func (c *Counter) Inc() int64 {
	return c.n.Add(1)
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	return c.n.Load()
}

// Snapshot describes progress at one instant.
type Snapshot struct {
	Completed int64
	Total     int64
	Percent   float64
	Elapsed   time.Duration
	Rate      float64 // lines per second
	Remaining time.Duration
}

// Measure derives percent, rate and the remaining-time estimate.
func Measure(completed, total int64, elapsed time.Duration) Snapshot {
	s := Snapshot{Completed: completed, Total: total, Elapsed: elapsed}
	if total > 0 {
		s.Percent = float64(completed) / float64(total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Rate = float64(completed) / secs
	}
	if s.Rate > 0 && total > completed {
		s.Remaining = time.Duration(float64(total-completed) / s.Rate * float64(time.Second))
	}
	return s
}

// Due reports whether a progress line is owed after the completed-th line.
func Due(completed int64, every int) bool {
	return every > 0 && completed > 0 && completed%int64(every) == 0
}
