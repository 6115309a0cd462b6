package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/tanq16/reelfetch/internal/config"
	reelhttp "github.com/tanq16/reelfetch/internal/downloaders/http"
	"github.com/tanq16/reelfetch/internal/downloaders/s3"
	"github.com/tanq16/reelfetch/internal/fetcher"
	"github.com/tanq16/reelfetch/internal/playback"
	"github.com/tanq16/reelfetch/internal/ringbuffer"
	"github.com/tanq16/reelfetch/internal/utils"
	"golang.org/x/sync/errgroup"
)

type fetchJob struct {
	URL    string
	Output string
	// Writer receives the reassembled bytes instead of a file at Output.
	Writer io.Writer
	Config config.Config
}

type fetchReport struct {
	Task           fetcher.Task
	Stats          fetcher.Stats
	Success        bool
	Delivered      int
	Lost           int
	BufferedChunks int
	BufferedBytes  int
}

// Failed reports whether any chunk failed or, when writing an output file,
// any chunk never reached it.
func (r *fetchReport) Failed() bool {
	return !r.Success || r.Lost > 0
}

func newSource(ctx context.Context, url string, cfg config.Config) (fetcher.Source, error) {
	switch utils.DetermineSourceType(url) {
	case "http":
		return reelhttp.NewClient(httpClientConfig(cfg)), nil
	case "s3":
		src, err := s3.New(ctx, awsProfile)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("unsupported URL %q (expected http(s):// or s3://)", url)
}

func newTask(url string, cfg config.Config) fetcher.Task {
	task := fetcher.NewTask(url)
	task.ChunkSize = int64(cfg.Fetch.ChunkSize)
	task.MaxConcurrentChunks = cfg.Fetch.Concurrency
	task.MaxRetries = cfg.Fetch.Retries
	task.RetryDelay = cfg.Fetch.RetryDelay
	task.Timeout = cfg.Fetch.Timeout
	task.UseRangeRequests = cfg.Fetch.UseRanges
	task.KeyframeInterval = cfg.Fetch.KeyframeInterval
	return task
}

// runFetch downloads job.URL into a ring buffer. With an output path a
// playback consumer drains the buffer in sequence order into the file while
// the download runs; without one the buffer keeps the most recent chunks.
func runFetch(ctx context.Context, job fetchJob, onProgress func(fetcher.Stats)) (*fetchReport, error) {
	log := utils.GetLogger("cmd")
	cfg := job.Config
	src, err := newSource(ctx, job.URL, cfg)
	if err != nil {
		return nil, err
	}
	task := newTask(job.URL, cfg)
	if err := fetcher.Prepare(ctx, src, &task); err != nil {
		return nil, err
	}

	bufCfg := cfg.RingBuffer()
	if !task.UseRangeRequests {
		if task.TotalSize <= 0 {
			return nil, errors.New("server supports neither range requests nor Content-Length")
		}
		// the whole resource arrives as one chunk and must fit one block
		bufCfg.ChunkSize = int(task.TotalSize)
		bufCfg.MaxMemoryBytes = max(bufCfg.MaxMemoryBytes, int(task.TotalSize))
	}
	buf, err := ringbuffer.New(bufCfg)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	var out io.Writer
	switch {
	case job.Writer != nil:
		out = job.Writer
	case job.Output != "":
		file, err := os.Create(job.Output)
		if err != nil {
			return nil, fmt.Errorf("error creating output file: %v", err)
		}
		defer file.Close()
		out = file
	}

	f := fetcher.New(src, buf, fetcher.Options{Workers: cfg.Fetch.Workers})
	if err := f.Initialize(); err != nil {
		return nil, err
	}
	defer f.Shutdown()
	if onProgress != nil {
		f.OnProgress(onProgress)
	}
	if out == nil {
		// nobody drains the buffer, so keep keyframes around when it fills
		f.OnChunkCompleted(func(res fetcher.ChunkResult) {
			if n := buf.OptimizeMemory(); n > 0 {
				log.Debug().Str("op", "cmd/fetch").Int("evicted", n).Msg("Buffer memory optimized")
			}
		})
	}
	var success atomic.Bool
	f.OnDownloadCompleted(func(ok bool) { success.Store(ok) })

	if err := f.Start(task); err != nil {
		return nil, err
	}
	log.Debug().Str("op", "cmd/fetch").Str("task", task.ID.String()).Str("state", f.State().String()).Msg("Fetch started")

	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		if err := f.Wait(gctx); err != nil {
			f.Stop()
			return err
		}
		return nil
	})
	var consumer *playback.Consumer
	if out != nil {
		consumer = playback.NewConsumer(buf, playback.NewWriterDecoder(out), playback.Options{
			Total: f.Stats().TotalChunks,
			Done: func() bool {
				select {
				case <-finished:
					return true
				default:
					return false
				}
			},
		})
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &fetchReport{
		Task:           task,
		Stats:          f.Stats(),
		Success:        success.Load(),
		BufferedChunks: buf.Len(),
		BufferedBytes:  buf.UsedMemory(),
	}
	if consumer != nil {
		report.Delivered = consumer.Delivered()
		report.Lost = consumer.Lost()
	}
	for _, c := range f.Chunks() {
		if c.Status == fetcher.ChunkFailed {
			log.Debug().Str("op", "cmd/fetch").Int("chunk", c.Index).Err(c.Err).Msg("Chunk failed")
		}
	}
	return report, nil
}
