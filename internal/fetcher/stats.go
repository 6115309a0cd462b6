package fetcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
)

// counters are updated by workers without holding the fetcher lock.
type counters struct {
	downloaded atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	started    time.Time
	finished   atomic.Int64 // unix nanos, zero while running

	avgMu sync.Mutex
	avg   ewma.MovingAverage
}

func newCounters() *counters {
	return &counters{
		started: time.Now(),
		avg:     ewma.NewMovingAverage(),
	}
}

func (c *counters) addThroughput(bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	c.avgMu.Lock()
	c.avg.Add(float64(bytes) / elapsed.Seconds())
	c.avgMu.Unlock()
}

func (c *counters) average() float64 {
	c.avgMu.Lock()
	defer c.avgMu.Unlock()
	return c.avg.Value()
}

func (c *counters) markFinished() {
	c.finished.CompareAndSwap(0, time.Now().UnixNano())
}

func (c *counters) elapsed() time.Duration {
	if end := c.finished.Load(); end != 0 {
		return time.Unix(0, end).Sub(c.started)
	}
	return time.Since(c.started)
}

// currentSpeed is bytes*1000/elapsedMs, zero before the first millisecond.
func currentSpeed(downloaded int64, elapsed time.Duration) float64 {
	ms := elapsed.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return float64(downloaded) * 1000 / float64(ms)
}

// eta returns the remaining time at the current speed, or -1 when the speed
// is zero.
func eta(total, downloaded int64, speed float64) time.Duration {
	if speed <= 0 {
		return -1
	}
	remaining := max(total-downloaded, 0)
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}
