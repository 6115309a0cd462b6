package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(4)
	var count atomic.Int32
	for range 100 {
		require.NoError(t, p.Enqueue(func() { count.Add(1) }))
	}
	p.Shutdown()
	assert.Equal(t, int32(100), count.Load())
	assert.Equal(t, 0, p.QueueLen())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(3)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		require.NoError(t, p.Enqueue(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()
	p.Shutdown()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, p.Size())
}

func TestEnqueueAfterShutdown(t *testing.T) {
	p := NewPool(2)
	p.Shutdown()
	p.Shutdown()
	assert.ErrorIs(t, p.Enqueue(func() {}), ErrPoolStopped)
	assert.NoError(t, p.Enqueue(nil))
}

func TestDrainDropsPendingTasks(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Enqueue(func() {
		close(started)
		<-release
	}))
	<-started
	var ran atomic.Int32
	for range 5 {
		require.NoError(t, p.Enqueue(func() { ran.Add(1) }))
	}
	assert.Equal(t, 5, p.QueueLen())
	assert.Equal(t, 1, p.Active())
	assert.Equal(t, 5, p.Drain())
	close(release)
	p.Shutdown()
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, 0, p.Active())
}

func TestNewPoolClampsSize(t *testing.T) {
	p := NewPool(0)
	defer p.Shutdown()
	assert.Equal(t, 1, p.Size())
}
