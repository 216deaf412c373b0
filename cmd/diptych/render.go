package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dunamismax/diptych/internal/app"
	"github.com/dunamismax/diptych/internal/batch"
	"github.com/dunamismax/diptych/internal/config"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var renderCmd = &cobra.Command{
	Use:   "render <batch.yaml>",
	Short: "Render every diptych of a batch file",
	Long: `Render every job of a batch file into a new timestamped directory under
the output root, then list the results or write a zip archive.

A batch file looks like:

  defaults:
    width: 10
    height: 8
    dpi: 300
    gap: 20
  zip: true
  jobs:
    - image1: {path: left.jpg}
      image2: {path: right.jpg, rotation: 90}`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().String("preset", "", "Print size preset applied to every job (see 'diptych presets')")
	renderCmd.Flags().String("output", "", "Output root directory (default $DIPTYCH_OUTPUT_ROOT)")
	renderCmd.Flags().Int("workers", 0, "Parallel renders (default $DIPTYCH_WORKERS)")
	renderCmd.Flags().Bool("zip", false, "Write diptych_results.zip even if the batch file does not ask for it")
	renderCmd.Flags().Bool("no-cache", false, "Render without the content-addressed cache")
	renderCmd.Flags().Bool("verbose", false, "Log orchestrator activity to stderr")
}

func runRender(cmd *cobra.Command, args []string) error {
	req, err := loadBatchFile(args[0], mustGetString(cmd, "preset"))
	if err != nil {
		return err
	}
	if mustGetBool(cmd, "zip") {
		req.Zip = true
	}

	cfg := cliConfig(mustGetString(cmd, "output"), mustGetInt(cmd, "workers"), mustGetBool(cmd, "no-cache"))
	logger := log.New(io.Discard, "", 0)
	if mustGetBool(cmd, "verbose") {
		logger = log.New(os.Stderr, "[diptych] ", log.LstdFlags|log.Lmsgprefix)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	render, err := app.NewRender(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer render.Close()

	b, err := render.Orchestrator.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Batch %s: %d diptych(s) -> %s\n\n", b.ID(), len(req.Jobs), b.Snapshot().OutputDir)

	snap := trackProgress(ctx, b)
	fmt.Printf("\nRendered %d of %d (%d from cache), %d failed\n", snap.Processed, snap.Total, snap.CacheHits, snap.Failed)
	if snap.Error != "" {
		fmt.Fprintf(os.Stderr, "First error: %s\n", snap.Error)
	}

	out, err := render.Orchestrator.Finalize(ctx, b.ID())
	if err != nil {
		if errors.Is(err, batch.ErrNothingToFinalize) {
			return fmt.Errorf("batch %s produced no diptychs: %w", b.ID(), b.Err())
		}
		return err
	}
	if out.Archive != "" {
		fmt.Printf("Archive: %s\n", out.Archive)
		return nil
	}
	for _, p := range out.Paths {
		fmt.Println(p)
	}
	return nil
}

// trackProgress polls the batch until it finishes, mirroring completed jobs
// on a progress bar.
func trackProgress(ctx context.Context, b *batch.Batch) batch.Snapshot {
	snap := b.Snapshot()
	bar := progressbar.NewOptions(snap.Total,
		progressbar.OptionSetDescription("Composing diptychs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("diptychs"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.Done():
			snap = b.Snapshot()
			_ = bar.Set(snap.Processed + snap.Failed)
			_ = bar.Finish()
			return snap
		case <-ctx.Done():
			// The batch is not cancelled; report where it stands.
			return b.Snapshot()
		case <-ticker.C:
			snap = b.Snapshot()
			_ = bar.Set(snap.Processed + snap.Failed)
		}
	}
}

// cliConfig is the environment config with the render flags applied. Batch
// records stay in memory; the CLI owns its batches.
func cliConfig(output string, workers int, noCache bool) config.Config {
	cfg := config.Load()
	cfg.Database.Records = config.RecordsMemory
	if output != "" {
		cfg.Render.OutputRoot = output
	}
	if workers > 0 {
		cfg.Render.Workers = workers
	}
	if noCache {
		cfg.Render.CacheBackend = config.CacheBackendNone
	}
	return cfg
}
