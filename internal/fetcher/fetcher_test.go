package fetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reelhttp "github.com/tanq16/reelfetch/internal/downloaders/http"
	"github.com/tanq16/reelfetch/internal/ringbuffer"
	"github.com/tanq16/reelfetch/internal/utils"
)

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func newSource() *reelhttp.Client {
	return reelhttp.NewClient(utils.HTTPClientConfig{Timeout: 10 * time.Second})
}

func newFetcher(t *testing.T, sink Sink) *Fetcher {
	t.Helper()
	f := New(newSource(), sink, Options{Workers: 8})
	require.NoError(t, f.Initialize())
	t.Cleanup(func() { f.Shutdown() })
	return f
}

func waitDone(t *testing.T, f *Fetcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
}

func testTask(url string, total, chunk int64, concurrency int) Task {
	task := NewTask(url)
	task.TotalSize = total
	task.ChunkSize = chunk
	task.MaxConcurrentChunks = concurrency
	task.RetryDelay = time.Millisecond
	task.Timeout = 5 * time.Second
	return task
}

func TestScenarioBBoundedInFlight(t *testing.T) {
	data := payload(2_500_000)
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	buf, err := ringbuffer.New(ringbuffer.Config{MaxChunks: 4, MaxMemoryBytes: 4 * 1_000_000, ChunkSize: 1_000_000})
	require.NoError(t, err)
	f := newFetcher(t, buf)

	var mu sync.Mutex
	sizes := map[int]int{}
	f.OnChunkCompleted(func(res ChunkResult) {
		mu.Lock()
		sizes[res.Chunk.Index] = res.Bytes
		mu.Unlock()
	})
	var completions atomic.Int32
	var success atomic.Bool
	f.OnDownloadCompleted(func(ok bool) {
		completions.Add(1)
		success.Store(ok)
	})

	require.NoError(t, f.Start(testTask(srv.URL, int64(len(data)), 1_000_000, 2)))
	waitDone(t, f)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, map[int]int{0: 1_000_000, 1: 1_000_000, 2: 500_000}, sizes)
	assert.Equal(t, int32(1), completions.Load())
	assert.True(t, success.Load())

	stats := f.Stats()
	assert.Equal(t, 3, stats.TotalChunks)
	assert.Equal(t, 3, stats.CompletedChunks)
	assert.Equal(t, 0, stats.FailedChunks)
	assert.Equal(t, int64(len(data)), stats.BytesDownloaded)
	assert.False(t, stats.IsDownloading)
	assert.True(t, f.IsCompleted())
	assert.False(t, f.HasErrors())
	assert.InDelta(t, 100.0, f.Progress(), 0.001)
	assert.Equal(t, StateCompleted, f.State())

	// reassemble by sequence, not by slot
	var out []byte
	for seq := range 3 {
		c := buf.FindSequence(seq)
		require.NotNil(t, c, "sequence %d", seq)
		out = append(out, c.Bytes()...)
	}
	assert.Equal(t, data, out)
	assert.True(t, buf.FindSequence(0).Keyframe)
	assert.False(t, buf.FindSequence(1).Keyframe)
}

func TestScenarioCPermanentFailure(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	var completions atomic.Int32
	var success atomic.Bool
	success.Store(true)
	f.OnDownloadCompleted(func(ok bool) {
		completions.Add(1)
		success.Store(ok)
	})

	task := testTask(srv.URL, 100, 100, 1)
	task.MaxRetries = 3
	require.NoError(t, f.Start(task))
	waitDone(t, f)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), completions.Load())
	assert.False(t, success.Load())
	assert.Equal(t, int32(3), requests.Load(), "chunk must not be retried past maxRetries")

	stats := f.Stats()
	assert.Equal(t, 1, stats.FailedChunks)
	assert.Equal(t, 0, stats.CompletedChunks)
	assert.True(t, f.IsCompleted())
	assert.True(t, f.HasErrors())

	chunks := f.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkFailed, chunks[0].Status)
	assert.Equal(t, 3, chunks[0].RetryCount)
	assert.ErrorIs(t, chunks[0].Err, ErrRetryExhausted)
	assert.ErrorIs(t, chunks[0].Err, reelhttp.ErrDownloadFailed)
}

func TestPartialFailureIsReported(t *testing.T) {
	data := payload(3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the middle chunk is always missing
		if r.Header.Get("Range") == "bytes=1000-1999" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	var completions atomic.Int32
	var success atomic.Bool
	f.OnDownloadCompleted(func(ok bool) {
		completions.Add(1)
		success.Store(ok)
	})
	require.NoError(t, f.Start(testTask(srv.URL, 3000, 1000, 3)))
	waitDone(t, f)

	assert.Equal(t, int32(1), completions.Load())
	assert.False(t, success.Load())
	stats := f.Stats()
	assert.Equal(t, 2, stats.CompletedChunks)
	assert.Equal(t, 1, stats.FailedChunks)
	assert.Equal(t, int64(2000), stats.BytesDownloaded)
}

func TestRetryThenSuccess(t *testing.T) {
	data := payload(500)
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	var results []ChunkResult
	var mu sync.Mutex
	f.OnChunkCompleted(func(res ChunkResult) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	})
	task := testTask(srv.URL, 500, 500, 1)
	task.MaxRetries = 3
	require.NoError(t, f.Start(task))
	waitDone(t, f)

	assert.False(t, f.HasErrors())
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].RetryCount)
	assert.Equal(t, task.ID, results[0].TaskID)
	assert.Equal(t, 2, f.Chunks()[0].RetryCount)
	assert.Equal(t, ChunkDone, f.Chunks()[0].Status)
}

func TestStartErrors(t *testing.T) {
	f := New(newSource(), nil, Options{})
	err := f.Start(testTask("http://127.0.0.1:1", 10, 10, 1))
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, f.Initialize())
	defer f.Shutdown()
	assert.ErrorIs(t, f.Start(Task{}), ErrInvalidTask)
	bad := testTask("http://127.0.0.1:1", 0, 10, 1)
	assert.ErrorIs(t, f.Start(bad), ErrInvalidTask)
	bad = testTask("http://127.0.0.1:1", 10, 10, 0)
	assert.ErrorIs(t, f.Start(bad), ErrInvalidTask)
	assert.Equal(t, StateIdle, f.State())
}

func TestStopAndRestart(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	data := payload(4000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()
	defer unblock()

	f := newFetcher(t, nil)
	var completions atomic.Int32
	f.OnDownloadCompleted(func(bool) { completions.Add(1) })

	require.NoError(t, f.Start(testTask(srv.URL, 4000, 1000, 2)))
	assert.ErrorIs(t, f.Start(testTask(srv.URL, 4000, 1000, 2)), ErrAlreadyRunning)
	assert.True(t, f.Stats().IsDownloading)

	require.NoError(t, f.Pause())
	require.NoError(t, f.Resume())
	assert.Equal(t, StateDownloading, f.State())

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
	assert.Equal(t, StateStopped, f.State())
	waitDone(t, f)
	assert.False(t, f.Stats().IsDownloading)

	unblock()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), completions.Load(), "a stopped download never reports completion")
	assert.Equal(t, StateStopped, f.State())

	require.NoError(t, f.Reset())
	assert.Equal(t, StateIdle, f.State())
	assert.Equal(t, Stats{}, f.Stats())

	require.NoError(t, f.Start(testTask(srv.URL, 4000, 1000, 2)))
	waitDone(t, f)
	assert.Equal(t, int32(1), completions.Load())
	assert.Equal(t, int64(4000), f.Stats().BytesDownloaded)
}

func TestShutdownReturnsToIdle(t *testing.T) {
	f := New(newSource(), nil, Options{Workers: 2})
	require.NoError(t, f.Initialize())
	require.NoError(t, f.Initialize())
	require.NoError(t, f.Shutdown())
	assert.Equal(t, StateIdle, f.State())
	assert.ErrorIs(t, f.Start(testTask("http://127.0.0.1:1", 10, 10, 1)), ErrNotInitialized)
}

func TestPrepareFallsBackWithoutRanges(t *testing.T) {
	data := payload(5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ignores Range entirely
		w.Header().Set("Content-Length", "5000")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	buf, err := ringbuffer.New(ringbuffer.Config{MaxChunks: 2, MaxMemoryBytes: 2 * 8192, ChunkSize: 8192})
	require.NoError(t, err)
	f := newFetcher(t, buf)

	task := NewTask(srv.URL)
	task.RetryDelay = time.Millisecond
	require.NoError(t, f.Prepare(context.Background(), &task))
	assert.Equal(t, int64(5000), task.TotalSize)
	assert.False(t, task.UseRangeRequests)

	require.NoError(t, f.Start(task))
	waitDone(t, f)
	assert.False(t, f.HasErrors())
	assert.Equal(t, 1, f.Stats().TotalChunks)
	c := buf.FindSequence(0)
	require.NotNil(t, c)
	assert.Equal(t, data, c.Bytes())
}

func TestPrepareWithRanges(t *testing.T) {
	data := payload(5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	f := newFetcher(t, nil)
	task := NewTask(srv.URL)
	require.NoError(t, f.Prepare(context.Background(), &task))
	assert.Equal(t, int64(5000), task.TotalSize)
	assert.True(t, task.UseRangeRequests)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	task = NewTask(missing.URL)
	assert.Error(t, f.Prepare(context.Background(), &task))
	task = Task{}
	assert.ErrorIs(t, f.Prepare(context.Background(), &task), ErrInvalidTask)
}

type rejectingSink struct{ calls atomic.Int32 }

func (s *rejectingSink) Add(data []byte, meta ringbuffer.Meta) (*ringbuffer.Chunk, error) {
	s.calls.Add(1)
	return nil, errors.New("no room")
}

func TestSinkFailureDoesNotFailChunk(t *testing.T) {
	data := payload(2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "reel.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	sink := &rejectingSink{}
	f := newFetcher(t, sink)
	var stored atomic.Int32
	f.OnChunkCompleted(func(res ChunkResult) {
		if res.Stored {
			stored.Add(1)
		}
	})
	var progress atomic.Int32
	f.OnProgress(func(s Stats) { progress.Add(1) })

	require.NoError(t, f.Start(testTask(srv.URL, 2000, 1000, 2)))
	waitDone(t, f)
	assert.False(t, f.HasErrors())
	assert.Equal(t, int32(2), sink.calls.Load())
	assert.Equal(t, int32(0), stored.Load())
	assert.Equal(t, int32(2), progress.Load())
}

func TestSpeedAndETA(t *testing.T) {
	assert.Equal(t, float64(0), currentSpeed(1000, 0))
	assert.InDelta(t, 2000.0, currentSpeed(1000, 500*time.Millisecond), 0.001)
	assert.Equal(t, time.Duration(-1), eta(100, 0, 0))
	assert.Equal(t, 2*time.Second, eta(3000, 1000, 1000))
	assert.Equal(t, time.Duration(0), eta(1000, 1000, 1000))

	f := New(newSource(), nil, Options{})
	assert.Equal(t, time.Duration(-1), f.EstimatedTimeRemaining())
	assert.Equal(t, float64(0), f.Progress())
	assert.Nil(t, f.Chunks())
}

// gatedSource holds every request for the "old" URL until release is closed.
type gatedSource struct {
	started chan struct{}
	release chan struct{}
	failOld bool
}

func (s *gatedSource) DownloadChunk(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	if url == "old" {
		s.started <- struct{}{}
		<-s.release
		if s.failOld {
			return nil, errors.New("connection reset")
		}
		return []byte("OLD!"), nil
	}
	return []byte("NEW!"), nil
}

func (s *gatedSource) FileSize(ctx context.Context, url string) (int64, error) { return 4, nil }

func (s *gatedSource) SupportsRanges(ctx context.Context, url string) (bool, error) { return true, nil }

func (s *gatedSource) Download(ctx context.Context, url string) ([]byte, error) {
	return s.DownloadChunk(ctx, url, 0, 4)
}

func TestStoppedRunDoesNotReachSink(t *testing.T) {
	for _, failOld := range []bool{false, true} {
		src := &gatedSource{started: make(chan struct{}, 1), release: make(chan struct{}), failOld: failOld}
		buf, err := ringbuffer.New(ringbuffer.Config{MaxChunks: 4, MaxMemoryBytes: 4 * 16, ChunkSize: 16})
		require.NoError(t, err)
		f := New(src, buf, Options{Workers: 4})
		require.NoError(t, f.Initialize())

		var results []ChunkResult
		var mu sync.Mutex
		f.OnChunkCompleted(func(res ChunkResult) {
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})

		old := testTask("old", 4, 4, 1)
		old.MaxRetries = 1
		require.NoError(t, f.Start(old))
		<-src.started
		require.NoError(t, f.Stop())
		require.NoError(t, f.Reset())

		fresh := testTask("new", 4, 4, 1)
		require.NoError(t, f.Start(fresh))
		waitDone(t, f)

		// let the old request finish after the new run is done
		close(src.release)
		time.Sleep(50 * time.Millisecond)

		assert.Equal(t, 1, buf.Len())
		c := buf.FindSequence(0)
		require.NotNil(t, c)
		assert.Equal(t, []byte("NEW!"), c.Bytes())
		mu.Lock()
		require.Len(t, results, 1)
		assert.Equal(t, fresh.ID, results[0].TaskID)
		mu.Unlock()
		s := f.Stats()
		assert.Equal(t, 1, s.CompletedChunks)
		assert.Equal(t, 0, s.FailedChunks)
		assert.Equal(t, StateCompleted, f.State())
		require.NoError(t, f.Shutdown())
	}
}
