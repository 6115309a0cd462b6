// Package fetcher downloads a resource as parallel byte-range chunks and
// feeds every completed chunk into a sink, usually a ring buffer.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/reelfetch/internal/ringbuffer"
	"github.com/tanq16/reelfetch/internal/scheduler"
	"github.com/tanq16/reelfetch/internal/utils"
	"golang.org/x/sync/semaphore"
)

// run holds everything that belongs to one Start call. Workers only touch
// their own run, and results of a run that is no longer current are dropped
// before they reach the sink.
type run struct {
	task     Task
	plan     []ChunkSpec
	ctx      context.Context
	cancel   context.CancelFunc
	sem      *semaphore.Weighted
	stats    *counters
	done     chan struct{}
	doneOnce sync.Once
	log      zerolog.Logger

	mu     sync.Mutex
	chunks []ChunkInfo
}

func (r *run) finish() {
	r.stats.markFinished()
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *run) setStatus(index int, status ChunkStatus) {
	r.mu.Lock()
	r.chunks[index].Status = status
	r.mu.Unlock()
}

type Fetcher struct {
	src     Source
	sink    Sink
	workers int
	log     zerolog.Logger

	mu    sync.Mutex
	state State
	pool  *scheduler.Pool
	run   *run

	cbMu       sync.RWMutex
	onChunk    func(ChunkResult)
	onProgress func(Stats)
	onComplete func(bool)
}

// New wires a fetcher to its source and sink. A nil sink discards chunks.
func New(src Source, sink Sink, opts Options) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	logger := utils.GetLogger("fetcher")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Fetcher{
		src:     src,
		sink:    sink,
		workers: opts.Workers,
		log:     logger,
	}
}

// Initialize starts the worker pool. Calling it twice is harmless.
func (f *Fetcher) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool != nil {
		return nil
	}
	f.pool = scheduler.NewPool(f.workers)
	f.log.Debug().Str("op", "fetcher/initialize").Int("workers", f.workers).Msg("Fetcher initialized")
	return nil
}

// Shutdown stops any running download, joins the workers and returns the
// fetcher to an uninitialised Idle state.
func (f *Fetcher) Shutdown() error {
	f.Stop()
	f.mu.Lock()
	pool := f.pool
	f.pool = nil
	f.state = StateIdle
	f.mu.Unlock()
	if pool != nil {
		pool.Shutdown()
	}
	f.log.Debug().Str("op", "fetcher/shutdown").Msg("Fetcher shut down")
	return nil
}

// Prepare fills in the total size and range support of task from the source
// when they are not already known.
func (f *Fetcher) Prepare(ctx context.Context, task *Task) error {
	return Prepare(ctx, f.src, task)
}

// Prepare queries src for the total size and range support of task. Servers
// without range support switch the task to a single whole-resource download.
func Prepare(ctx context.Context, src Source, task *Task) error {
	if task.URL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidTask)
	}
	logger := utils.GetLogger("fetcher")
	if task.TotalSize <= 0 {
		size, err := src.FileSize(ctx, task.URL)
		if err != nil {
			if !task.UseRangeRequests {
				return nil
			}
			return fmt.Errorf("error getting file size: %w", err)
		}
		task.TotalSize = size
	}
	if task.UseRangeRequests {
		ok, err := src.SupportsRanges(ctx, task.URL)
		if err != nil || !ok {
			logger.Warn().Str("op", "fetcher/prepare").Str("url", task.URL).Err(err).Msg("Range requests not supported, falling back to single download")
			task.UseRangeRequests = false
		}
	}
	return nil
}

// Start plans task and begins downloading in the background.
func (f *Fetcher) Start(task Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pool == nil {
		return ErrNotInitialized
	}
	if f.state == StateDownloading {
		return ErrAlreadyRunning
	}
	if err := task.validate(); err != nil {
		return err
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Timeout <= 0 {
		task.Timeout = utils.DefaultRequestTimeout
	}

	var plan []ChunkSpec
	if task.UseRangeRequests {
		plan = Plan(task.TotalSize, task.ChunkSize)
	} else {
		plan = []ChunkSpec{{Index: 0, Offset: 0, Size: max(task.TotalSize, 0)}}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		task:   task,
		plan:   plan,
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(task.MaxConcurrentChunks)),
		stats:  newCounters(),
		done:   make(chan struct{}),
		log:    f.log.With().Str("task", task.ID.String()).Logger(),
		chunks: make([]ChunkInfo, len(plan)),
	}
	for i, spec := range plan {
		r.chunks[i] = ChunkInfo{ChunkSpec: spec}
	}
	f.run = r
	f.state = StateDownloading
	r.log.Info().Str("op", "fetcher/start").Str("url", task.URL).Int64("size", task.TotalSize).Int("chunks", len(plan)).Int("concurrency", task.MaxConcurrentChunks).Bool("ranges", task.UseRangeRequests).Msg("Starting download")
	go f.dispatch(r)
	return nil
}

// dispatch keeps at most MaxConcurrentChunks chunks in flight. A chunk holds
// its slot across retries.
func (f *Fetcher) dispatch(r *run) {
	for _, spec := range r.plan {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return
		}
		f.mu.Lock()
		pool := f.pool
		f.mu.Unlock()
		if pool == nil {
			r.sem.Release(1)
			return
		}
		if err := pool.Enqueue(func() { f.attempt(r, spec) }); err != nil {
			r.sem.Release(1)
			r.log.Debug().Str("op", "fetcher/dispatch").Err(err).Msg("Dispatch aborted")
			return
		}
	}
}

func (f *Fetcher) attempt(r *run, spec ChunkSpec) {
	if r.ctx.Err() != nil {
		r.setStatus(spec.Index, ChunkPending)
		r.sem.Release(1)
		return
	}
	r.setStatus(spec.Index, ChunkInFlight)

	// a stop does not abort the request in flight; only the timeout does
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.task.Timeout)
	start := time.Now()
	var data []byte
	var err error
	if r.task.UseRangeRequests {
		data, err = f.src.DownloadChunk(attemptCtx, r.task.URL, spec.Offset, spec.Size)
	} else {
		data, err = f.src.Download(attemptCtx, r.task.URL)
		if err == nil && spec.Size > 0 && int64(len(data)) != spec.Size {
			err = fmt.Errorf("size mismatch: expected %d bytes, got %d", spec.Size, len(data))
		}
	}
	cancel()
	elapsed := time.Since(start)
	if err != nil {
		f.handleFailure(r, spec, err)
		return
	}
	f.handleSuccess(r, spec, data, elapsed)
}

func (f *Fetcher) handleSuccess(r *run, spec ChunkSpec, data []byte, elapsed time.Duration) {
	r.mu.Lock()
	retries := r.chunks[spec.Index].RetryCount
	r.mu.Unlock()

	result := ChunkResult{
		TaskID:     r.task.ID,
		Chunk:      spec,
		Bytes:      len(data),
		RetryCount: retries,
		Elapsed:    elapsed,
		Keyframe:   r.task.IsKeyframe(spec.Index),
	}
	// f.mu is held across the store so a Stop, Reset or Start cannot slip in
	// between the liveness check and the sink write
	f.mu.Lock()
	if !f.liveLocked(r) {
		f.mu.Unlock()
		f.discard(r, spec)
		return
	}
	if f.sink != nil {
		stored, err := f.sink.Add(data, ringbuffer.Meta{
			Sequence:   spec.Index,
			Timestamp:  time.Now().UnixMilli(),
			Duration:   int(elapsed.Milliseconds()),
			Keyframe:   result.Keyframe,
			RetryCount: retries,
		})
		if err != nil {
			r.log.Warn().Str("op", "fetcher/chunk").Int("chunk", spec.Index).Err(err).Msg("Chunk downloaded but not stored")
		} else {
			result.Stored = true
			result.BufferID = stored.ID
		}
	}
	f.mu.Unlock()

	r.mu.Lock()
	info := &r.chunks[spec.Index]
	info.Status = ChunkDone
	info.Elapsed = elapsed
	info.Err = nil
	r.mu.Unlock()

	r.stats.downloaded.Add(int64(len(data)))
	r.stats.completed.Add(1)
	r.stats.addThroughput(len(data), elapsed)
	r.sem.Release(1)
	r.log.Debug().Str("op", "fetcher/chunk").Int("chunk", spec.Index).Int("bytes", len(data)).Dur("elapsed", elapsed).Msg("Chunk completed")

	if cb := f.chunkCallback(); cb != nil {
		cb(result)
	}
	f.afterChunk(r)
}

// liveLocked reports whether r is still the fetcher's downloading run.
// Callers hold f.mu.
func (f *Fetcher) liveLocked(r *run) bool {
	return f.run == r && f.state == StateDownloading && r.ctx.Err() == nil
}

func (f *Fetcher) live(r *run) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveLocked(r)
}

// discard drops the result of an attempt that outlived its run. Nothing is
// stored, counted or reported.
func (f *Fetcher) discard(r *run, spec ChunkSpec) {
	r.setStatus(spec.Index, ChunkPending)
	r.sem.Release(1)
	r.log.Debug().Str("op", "fetcher/chunk").Int("chunk", spec.Index).Msg("Discarding chunk of a stopped download")
}

func (f *Fetcher) handleFailure(r *run, spec ChunkSpec, err error) {
	if !f.live(r) {
		f.discard(r, spec)
		return
	}
	r.mu.Lock()
	info := &r.chunks[spec.Index]
	info.RetryCount++
	retries := info.RetryCount
	if retries < r.task.MaxRetries {
		info.Status = ChunkPending
		info.Err = err
		r.mu.Unlock()
		r.log.Warn().Str("op", "fetcher/chunk").Int("chunk", spec.Index).Int("retry", retries).Err(err).Msg("Chunk failed, retrying")
		f.retry(r, spec)
		return
	}
	info.Status = ChunkFailed
	info.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, retries, err)
	r.mu.Unlock()

	r.stats.failed.Add(1)
	r.sem.Release(1)
	r.log.Error().Str("op", "fetcher/chunk").Int("chunk", spec.Index).Int("attempts", retries).Err(err).Msg("Chunk permanently failed")
	f.afterChunk(r)
}

// retry sleeps on the worker for the task's retry delay, then requeues the
// chunk. A stop during the sleep abandons the chunk.
func (f *Fetcher) retry(r *run, spec ChunkSpec) {
	if r.task.RetryDelay > 0 {
		timer := time.NewTimer(r.task.RetryDelay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			r.sem.Release(1)
			return
		}
	}
	f.mu.Lock()
	pool := f.pool
	f.mu.Unlock()
	if r.ctx.Err() != nil || pool == nil {
		r.sem.Release(1)
		return
	}
	if err := pool.Enqueue(func() { f.attempt(r, spec) }); err != nil {
		r.sem.Release(1)
	}
}

// afterChunk reports progress and, once every chunk is accounted for, moves
// the run to Completed and fires the completion callback exactly once.
func (f *Fetcher) afterChunk(r *run) {
	if cb := f.progressCallback(); cb != nil {
		cb(f.snapshot(r))
	}
	accounted := r.stats.completed.Load() + r.stats.failed.Load()
	if accounted < int64(len(r.plan)) {
		return
	}
	f.mu.Lock()
	if f.run != r || f.state != StateDownloading {
		f.mu.Unlock()
		return
	}
	f.state = StateCompleted
	f.mu.Unlock()
	r.stats.markFinished()
	r.cancel()

	success := r.stats.failed.Load() == 0
	r.log.Info().Str("op", "fetcher/complete").Bool("success", success).Int64("bytes", r.stats.downloaded.Load()).Int64("failed", r.stats.failed.Load()).Dur("elapsed", r.stats.elapsed()).Msg("Download finished")
	if cb := f.completeCallback(); cb != nil {
		cb(success)
	}
	r.finish()
}

// Stop cancels the current download and drops queued chunk attempts.
// Requests already in flight finish or time out on their own. Stopping an
// idle or finished fetcher does nothing.
func (f *Fetcher) Stop() error {
	f.mu.Lock()
	if f.state != StateDownloading {
		f.mu.Unlock()
		return nil
	}
	r, pool := f.run, f.pool
	f.state = StateStopped
	f.mu.Unlock()

	r.cancel()
	dropped := 0
	if pool != nil {
		dropped = pool.Drain()
	}
	r.finish()
	r.log.Info().Str("op", "fetcher/stop").Int("dropped", dropped).Msg("Download stopped")
	return nil
}

// Pause is not supported yet and always succeeds.
func (f *Fetcher) Pause() error {
	f.log.Debug().Str("op", "fetcher/pause").Msg("Pause requested (no-op)")
	return nil
}

// Resume is not supported yet and always succeeds.
func (f *Fetcher) Resume() error {
	f.log.Debug().Str("op", "fetcher/resume").Msg("Resume requested (no-op)")
	return nil
}

// Reset stops any running download and returns to Idle. The pool stays up.
func (f *Fetcher) Reset() error {
	f.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateIdle
	f.run = nil
	return nil
}

// Wait blocks until the current download completes or is stopped. On
// completion it returns after the completion callback has run, so it must
// not be called from a callback.
func (f *Fetcher) Wait(ctx context.Context) error {
	f.mu.Lock()
	r := f.run
	f.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fetcher) current() *run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run
}

func (f *Fetcher) snapshot(r *run) Stats {
	f.mu.Lock()
	downloading := f.run == r && f.state == StateDownloading
	pool := f.pool
	f.mu.Unlock()

	elapsed := r.stats.elapsed()
	downloaded := r.stats.downloaded.Load()
	active := 0
	if pool != nil {
		active = pool.Active()
	}
	return Stats{
		TaskID:          r.task.ID,
		BytesDownloaded: downloaded,
		TotalSize:       r.task.TotalSize,
		TotalChunks:     len(r.plan),
		CompletedChunks: int(r.stats.completed.Load()),
		FailedChunks:    int(r.stats.failed.Load()),
		ActiveWorkers:   active,
		Elapsed:         elapsed,
		CurrentSpeed:    currentSpeed(downloaded, elapsed),
		AverageSpeed:    r.stats.average(),
		IsDownloading:   downloading,
	}
}

// Stats returns a snapshot of the current or last download.
func (f *Fetcher) Stats() Stats {
	r := f.current()
	if r == nil {
		return Stats{}
	}
	return f.snapshot(r)
}

// Progress returns the downloaded share of the total size in percent.
func (f *Fetcher) Progress() float64 {
	s := f.Stats()
	if s.TotalSize <= 0 {
		return 0
	}
	return float64(s.BytesDownloaded) / float64(s.TotalSize) * 100
}

// EstimatedTimeRemaining is -1 while nothing has been downloaded.
func (f *Fetcher) EstimatedTimeRemaining() time.Duration {
	s := f.Stats()
	return eta(s.TotalSize, s.BytesDownloaded, s.CurrentSpeed)
}

// IsCompleted reports whether every planned chunk has either completed or
// permanently failed.
func (f *Fetcher) IsCompleted() bool {
	s := f.Stats()
	return s.TotalChunks > 0 && s.CompletedChunks+s.FailedChunks == s.TotalChunks
}

func (f *Fetcher) HasErrors() bool {
	return f.Stats().FailedChunks > 0
}

// Chunks returns the per-chunk status of the current or last download.
func (f *Fetcher) Chunks() []ChunkInfo {
	r := f.current()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChunkInfo, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func (f *Fetcher) OnChunkCompleted(fn func(ChunkResult)) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onChunk = fn
}

func (f *Fetcher) OnProgress(fn func(Stats)) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onProgress = fn
}

func (f *Fetcher) OnDownloadCompleted(fn func(success bool)) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.onComplete = fn
}

func (f *Fetcher) chunkCallback() func(ChunkResult) {
	f.cbMu.RLock()
	defer f.cbMu.RUnlock()
	return f.onChunk
}

func (f *Fetcher) progressCallback() func(Stats) {
	f.cbMu.RLock()
	defer f.cbMu.RUnlock()
	return f.onProgress
}

func (f *Fetcher) completeCallback() func(bool) {
	f.cbMu.RLock()
	defer f.cbMu.RUnlock()
	return f.onComplete
}
