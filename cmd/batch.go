package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/reelfetch/internal/fetcher"
	"github.com/tanq16/reelfetch/internal/output"
	"github.com/tanq16/reelfetch/internal/utils"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

type BatchFile struct {
	Fetches []BatchEntry `yaml:"fetches"`
}

func readBatchFile(path string) ([]BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %v", err)
	}
	var entries []BatchEntry
	for _, entry := range batchFile.Fetches {
		if entry.Link == "" {
			fmt.Fprintf(os.Stderr, "Warning: Empty link found in batch file, skipping...\n")
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no valid fetches found in the batch file")
	}
	return entries, nil
}

func newBatchCmd() *cobra.Command {
	var parallel int

	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Run several fetches listed in a YAML file",
		Long: `Run several fetches listed in a YAML file.

File format:
  fetches:
    - link: https://cdn.example.com/reel-1.mp4
      op: reel-1.mp4
    - link: s3://media/reels/reel-2.mp4`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				output.PrintError(fmt.Sprintf("Invalid configuration: %v", err))
				os.Exit(1)
			}
			entries, err := readBatchFile(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// log lines would break the repainted board
			if output.IsTerminal(os.Stdout) {
				logFile, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
				if err == nil {
					defer logFile.Close()
					utils.SetLogOutput(logFile)
				}
			}

			mgr := output.NewManager(os.Stdout)
			mgr.StartDisplay()
			var g errgroup.Group
			g.SetLimit(max(parallel, 1))
			for _, entry := range entries {
				id := mgr.Register(entry.Link)
				g.Go(func() error {
					mgr.SetMessage(id, fmt.Sprintf("Fetching %s", entry.Link))
					report, err := runFetch(ctx, fetchJob{URL: entry.Link, Output: entry.OutputPath, Config: cfg}, func(s fetcher.Stats) {
						mgr.SetProgress(id, s.BytesDownloaded, s.TotalSize, s.CurrentSpeed)
					})
					switch {
					case err != nil:
						mgr.ReportError(id, err)
					case !report.Success:
						mgr.ReportError(id, fmt.Errorf("%d of %d chunks failed", report.Stats.FailedChunks, report.Stats.TotalChunks))
					case report.Lost > 0:
						mgr.ReportError(id, fmt.Errorf("%d chunks evicted before they were written", report.Lost))
					default:
						mgr.Complete(id, fmt.Sprintf("Fetched %s", entry.Link))
					}
					// failures are reported per entry, never abort the batch
					return nil
				})
			}
			g.Wait()
			mgr.StopDisplay()
			if _, failed := mgr.Counts(); failed > 0 {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "P", 2, "Number of fetches to run at the same time")
	return cmd
}
