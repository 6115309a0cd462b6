package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/reelfetch/internal/ringbuffer"
	"github.com/tanq16/reelfetch/internal/utils"
)

var (
	ErrNotInitialized = errors.New("fetcher: not initialized")
	ErrAlreadyRunning = errors.New("fetcher: download already running")
	ErrInvalidTask    = errors.New("fetcher: invalid task")
	ErrRetryExhausted = errors.New("fetcher: retries exhausted")
)

// Source reads byte ranges of a remote resource. Implementations must not
// retry on their own.
type Source interface {
	DownloadChunk(ctx context.Context, url string, offset, size int64) ([]byte, error)
	FileSize(ctx context.Context, url string) (int64, error)
	SupportsRanges(ctx context.Context, url string) (bool, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Sink receives completed chunks. *ringbuffer.Buffer satisfies it.
type Sink interface {
	Add(data []byte, meta ringbuffer.Meta) (*ringbuffer.Chunk, error)
}

type State int

const (
	StateIdle State = iota
	StateDownloading
	StateCompleted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Task describes one resource download.
type Task struct {
	ID                  uuid.UUID
	URL                 string
	TotalSize           int64
	ChunkSize           int64
	MaxConcurrentChunks int
	MaxRetries          int
	Timeout             time.Duration // per attempt
	RetryDelay          time.Duration
	UseRangeRequests    bool
	// KeyframeInterval marks every n-th chunk as a keyframe. Zero marks only
	// the first chunk.
	KeyframeInterval int
}

const (
	DefaultMaxConcurrentChunks = 4
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 500 * time.Millisecond
	DefaultWorkers             = 8
)

// NewTask returns a task for url with the stock chunking parameters.
func NewTask(url string) Task {
	return Task{
		ID:                  uuid.New(),
		URL:                 url,
		ChunkSize:           utils.DefaultChunkSize,
		MaxConcurrentChunks: DefaultMaxConcurrentChunks,
		MaxRetries:          DefaultMaxRetries,
		Timeout:             utils.DefaultRequestTimeout,
		RetryDelay:          DefaultRetryDelay,
		UseRangeRequests:    true,
	}
}

func (t *Task) validate() error {
	if t.URL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidTask)
	}
	if t.UseRangeRequests {
		if t.TotalSize <= 0 {
			return fmt.Errorf("%w: total size must be positive for range downloads", ErrInvalidTask)
		}
		if t.ChunkSize <= 0 {
			return fmt.Errorf("%w: chunk size must be positive", ErrInvalidTask)
		}
	}
	if t.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("%w: max concurrent chunks must be positive", ErrInvalidTask)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max retries", ErrInvalidTask)
	}
	return nil
}

// IsKeyframe reports whether chunk index starts a keyframe interval. Chunk 0
// always does.
func (t *Task) IsKeyframe(index int) bool {
	if t.KeyframeInterval <= 0 {
		return index == 0
	}
	return index%t.KeyframeInterval == 0
}

// ChunkSpec is one planned byte range.
type ChunkSpec struct {
	Index  int
	Offset int64
	Size   int64
}

type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkInFlight
	ChunkDone
	ChunkFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkDone:
		return "done"
	case ChunkFailed:
		return "failed"
	}
	return "unknown"
}

// ChunkInfo is the per-chunk status reported by Fetcher.Chunks.
type ChunkInfo struct {
	ChunkSpec
	Status     ChunkStatus
	RetryCount int
	Elapsed    time.Duration
	Err        error
}

// ChunkResult is passed to the chunk-completed callback.
type ChunkResult struct {
	TaskID     uuid.UUID
	Chunk      ChunkSpec
	Bytes      int
	RetryCount int
	Elapsed    time.Duration
	Keyframe   bool
	// Stored is false when the sink rejected the chunk; BufferID is only
	// meaningful when Stored is true.
	Stored   bool
	BufferID uint32
}

// Stats is a point-in-time snapshot of a download.
type Stats struct {
	TaskID          uuid.UUID
	BytesDownloaded int64
	TotalSize       int64
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	ActiveWorkers   int
	Elapsed         time.Duration
	CurrentSpeed    float64 // bytes per second since start
	AverageSpeed    float64 // moving average of per-chunk throughput
	IsDownloading   bool
}

type Options struct {
	Workers int
	Logger  *zerolog.Logger
}
