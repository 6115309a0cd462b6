package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tanq16/reelfetch/internal/config"
	"github.com/tanq16/reelfetch/internal/fetcher"
	"github.com/tanq16/reelfetch/internal/output"
	"github.com/tanq16/reelfetch/internal/utils"
)

func newFetchCmd() *cobra.Command {
	var (
		outputPath       string
		chunkSize        string
		memory           string
		concurrency      int
		retries          int
		capacity         int
		workers          int
		keyframeInterval int
	)

	cmd := &cobra.Command{
		Use:   "fetch [URL] [--output OUTPUT_PATH]",
		Short: "Fetch a resource as parallel chunks into the ring buffer",
		Long: `Fetch a resource as parallel byte-range chunks into the ring buffer.
With --output the chunks are reassembled in order into a file.

Examples:
  reelfetch fetch https://cdn.example.com/reel.mp4 -o reel.mp4
  reelfetch fetch s3://media/reels/reel.mp4 --profile prod --chunk-size 4MB
  reelfetch fetch https://cdn.example.com/reel.mp4 --capacity 8 --memory 8MB`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				output.PrintError(fmt.Sprintf("Invalid configuration: %v", err))
				os.Exit(1)
			}
			flags := cmd.Flags()
			if flags.Changed("chunk-size") {
				size, err := utils.ParseSize(chunkSize)
				if err != nil {
					output.PrintError(fmt.Sprintf("Invalid chunk size: %v", err))
					os.Exit(1)
				}
				cfg.Fetch.ChunkSize = config.Size(size)
			}
			if flags.Changed("memory") {
				size, err := utils.ParseSize(memory)
				if err != nil {
					output.PrintError(fmt.Sprintf("Invalid memory size: %v", err))
					os.Exit(1)
				}
				cfg.Buffer.Memory = config.Size(size)
			}
			if flags.Changed("concurrency") {
				cfg.Fetch.Concurrency = concurrency
			}
			if flags.Changed("retries") {
				cfg.Fetch.Retries = retries
			}
			if flags.Changed("capacity") {
				cfg.Buffer.Capacity = capacity
			}
			if flags.Changed("workers") {
				cfg.Fetch.Workers = workers
			}
			if flags.Changed("keyframe-interval") {
				cfg.Fetch.KeyframeInterval = keyframeInterval
			}
			if err := cfg.Validate(); err != nil {
				output.PrintError(fmt.Sprintf("Invalid configuration: %v", err))
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var bar *progressbar.ProgressBar
			var barOnce sync.Once
			onProgress := func(s fetcher.Stats) {
				barOnce.Do(func() {
					bar = progressbar.NewOptions64(s.TotalSize,
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionSetDescription("fetching"),
						progressbar.OptionShowBytes(true),
						progressbar.OptionShowCount(),
						progressbar.OptionThrottle(100*time.Millisecond),
						progressbar.OptionClearOnFinish(),
						progressbar.OptionSetVisibility(output.IsTerminal(os.Stderr)),
					)
				})
				bar.Set64(s.BytesDownloaded)
			}

			report, err := runFetch(ctx, fetchJob{URL: args[0], Output: outputPath, Config: cfg}, onProgress)
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				output.PrintError(fmt.Sprintf("Fetch failed: %v", err))
				os.Exit(1)
			}
			printReport(args[0], outputPath, report)
			if report.Failed() {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Reassemble the chunks into this file")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "1MB", "Chunk size (eg. 512KB, 4MB)")
	cmd.Flags().StringVar(&memory, "memory", "", "Ring buffer memory ceiling (default capacity × chunk size)")
	cmd.Flags().IntVar(&concurrency, "concurrency", fetcher.DefaultMaxConcurrentChunks, "Maximum chunks in flight")
	cmd.Flags().IntVar(&retries, "retries", fetcher.DefaultMaxRetries, "Attempts per chunk before it is marked failed")
	cmd.Flags().IntVar(&capacity, "capacity", 32, "Ring buffer capacity in chunks")
	cmd.Flags().IntVarP(&workers, "workers", "w", fetcher.DefaultWorkers, "Worker goroutines")
	cmd.Flags().IntVar(&keyframeInterval, "keyframe-interval", 0, "Mark every n-th chunk as a keyframe (0 marks only the first)")
	return cmd
}

func printReport(url, outputPath string, r *fetchReport) {
	s := r.Stats
	pairs := [][2]string{
		{"Task", r.Task.ID.String()},
		{"URL", url},
		{"Size", utils.FormatBytes(uint64(max(s.TotalSize, 0)))},
		{"Chunks", fmt.Sprintf("%d completed, %d failed of %d", s.CompletedChunks, s.FailedChunks, s.TotalChunks)},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		{"Speed", fmt.Sprintf("%s (avg chunk %s)", utils.FormatSpeed(s.CurrentSpeed), utils.FormatSpeed(s.AverageSpeed))},
		{"Buffered", fmt.Sprintf("%d chunks, %s", r.BufferedChunks, utils.FormatBytes(uint64(r.BufferedBytes)))},
	}
	if outputPath != "" {
		pairs = append(pairs, [2]string{"Output", fmt.Sprintf("%s (%d chunks written, %d lost)", outputPath, r.Delivered, r.Lost)})
	}
	if !r.Task.UseRangeRequests {
		pairs = append(pairs, [2]string{"Mode", "single request (no range support)"})
	}
	output.PrintDetails("Fetch summary", pairs)
	switch {
	case !r.Success:
		output.PrintError(fmt.Sprintf("%d chunk(s) failed permanently", s.FailedChunks))
	case r.Lost > 0:
		output.PrintWarning(fmt.Sprintf("%d chunk(s) were evicted before they could be written", r.Lost))
	default:
		output.PrintSuccess("Fetch completed")
	}
}
