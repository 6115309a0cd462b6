package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/reelfetch/internal/fetcher"
	"github.com/tanq16/reelfetch/internal/output"
	"github.com/tanq16/reelfetch/internal/utils"
)

func newProbeCmd() *cobra.Command {
	var chunkSize string
	var showChunks bool
	var markdown bool

	cmd := &cobra.Command{
		Use:   "probe [URL]",
		Short: "Show the size, range support and chunk plan of a resource",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				output.PrintError(fmt.Sprintf("Invalid configuration: %v", err))
				os.Exit(1)
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Fetch.Timeout)
			defer cancel()
			src, err := newSource(ctx, args[0], cfg)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			task := newTask(args[0], cfg)
			if chunkSize != "" {
				size, err := utils.ParseSize(chunkSize)
				if err != nil || size <= 0 {
					output.PrintError(fmt.Sprintf("Invalid chunk size %q", chunkSize))
					os.Exit(1)
				}
				task.ChunkSize = size
			}
			if err := fetcher.Prepare(ctx, src, &task); err != nil {
				output.PrintError(fmt.Sprintf("Probe failed: %v", err))
				os.Exit(1)
			}
			ranges := "no"
			chunks := 1
			if task.UseRangeRequests {
				ranges = "yes"
				chunks = len(fetcher.Plan(task.TotalSize, task.ChunkSize))
			}
			output.PrintDetails("Probe", [][2]string{
				{"URL", task.URL},
				{"Source", utils.DetermineSourceType(task.URL)},
				{"Size", fmt.Sprintf("%s (%d bytes)", utils.FormatBytes(uint64(max(task.TotalSize, 0))), task.TotalSize)},
				{"Ranges", ranges},
				{"Chunk size", utils.FormatBytes(uint64(task.ChunkSize))},
				{"Chunks", fmt.Sprintf("%d", chunks)},
			})
			if showChunks && task.UseRangeRequests {
				tbl := output.NewTable("#", "Range", "Size", "Keyframe")
				for _, spec := range fetcher.Plan(task.TotalSize, task.ChunkSize) {
					keyframe := ""
					if task.IsKeyframe(spec.Index) {
						keyframe = output.StyleSymbols["pass"]
					}
					tbl.AddRow(
						fmt.Sprintf("%d", spec.Index),
						fmt.Sprintf("%d-%d", spec.Offset, spec.Offset+spec.Size-1),
						utils.FormatBytes(uint64(spec.Size)),
						keyframe,
					)
				}
				tbl.Print(markdown)
			}
		},
	}
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "", "Chunk size used for the plan (e.g. 512KB, 2MB)")
	cmd.Flags().BoolVar(&showChunks, "chunks", false, "Print the planned chunk ranges")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "Print the chunk table with a markdown border")
	return cmd
}
