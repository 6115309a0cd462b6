// Package scheduler runs queued tasks on a fixed set of worker goroutines.
package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
	"github.com/tanq16/reelfetch/internal/utils"
)

var ErrPoolStopped = errors.New("scheduler: pool is stopped")

// Pool is a fixed-size worker pool. Workers block on a condition variable
// until a task is queued or the pool shuts down; queued work is drained
// before workers exit.
type Pool struct {
	size     int
	mu       sync.Mutex
	cond     *sync.Cond
	queue    deque.Deque[func()]
	stopping bool
	active   atomic.Int32
	wg       sync.WaitGroup
	stopOnce sync.Once
	log      zerolog.Logger
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		size: workers,
		log:  utils.GetLogger("scheduler"),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Debug().Int("workers", workers).Msg("Worker pool started")
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopping {
			p.cond.Wait()
		}
		if p.queue.Len() == 0 {
			p.mu.Unlock()
			p.log.Debug().Int("worker", id).Msg("Worker exiting")
			return
		}
		task := p.queue.PopFront()
		p.mu.Unlock()

		p.active.Add(1)
		task()
		p.active.Add(-1)
	}
}

// Enqueue hands a task to the next free worker. Nil tasks are ignored.
func (p *Pool) Enqueue(task func()) error {
	if task == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrPoolStopped
	}
	p.queue.PushBack(task)
	p.cond.Signal()
	return nil
}

// Drain drops every task that has not started yet and returns how many were
// dropped.
func (p *Pool) Drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.queue.Len()
	p.queue.Clear()
	return n
}

// Shutdown stops accepting tasks, lets workers finish what is queued and
// waits for them to exit. Calling it again is a no-op.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.cond.Broadcast()
		p.mu.Unlock()
		p.wg.Wait()
		p.log.Debug().Msg("Worker pool stopped")
	})
}

func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Pool) Size() int {
	return p.size
}
