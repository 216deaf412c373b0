package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dunamismax/diptych/internal/app"
	"github.com/dunamismax/diptych/internal/domain"
	"github.com/spf13/cobra"
)

var previewCmd = &cobra.Command{
	Use:   "preview <batch.yaml>",
	Short: "Render one job of a batch file at preview resolution",
	Long: `Render a single job of a batch file through the same pipeline as the
final output, with the DPI capped at $DIPTYCH_PREVIEW_MAX_DPI (150 by
default). At the same DPI the bytes match the final render exactly.`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)

	previewCmd.Flags().Int("index", 1, "Job to preview, counting from 1")
	previewCmd.Flags().String("out", "preview.jpg", "File to write the preview to")
	previewCmd.Flags().String("preset", "", "Print size preset applied to the job")
	previewCmd.Flags().Int("max-dpi", 0, "Preview DPI cap (default $DIPTYCH_PREVIEW_MAX_DPI)")
	previewCmd.Flags().Duration("timeout", 2*time.Minute, "Give up waiting after this long")
}

func runPreview(cmd *cobra.Command, args []string) error {
	req, err := loadBatchFile(args[0], mustGetString(cmd, "preset"))
	if err != nil {
		return err
	}
	index := mustGetInt(cmd, "index")
	if index < 1 || index > len(req.Jobs) {
		return fmt.Errorf("--index must be between 1 and %d", len(req.Jobs))
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	cfg := cliConfig("", 0, true)
	if maxDPI := mustGetInt(cmd, "max-dpi"); maxDPI > 0 {
		cfg.Render.PreviewMaxDPI = maxDPI
	}
	cfg.Render.OutputRoot = os.TempDir()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	render, err := app.NewRender(ctx, log.New(io.Discard, "", 0), cfg)
	if err != nil {
		return err
	}
	defer render.Close()

	previewID, err := render.Previews.Submit(ctx, domain.PreviewRequest{Diptych: req.Jobs[index-1]})
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	job, err := render.Previews.Wait(waitCtx, previewID)
	if err != nil {
		return fmt.Errorf("wait for preview: %w", err)
	}
	if job.Status == domain.PreviewStatusError {
		return fmt.Errorf("preview failed: %s", job.Error)
	}
	data, err := render.Previews.Result(previewID)
	if err != nil {
		return err
	}

	out := mustGetString(cmd, "out")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	fmt.Printf("Preview of job %d at %d DPI written to %s (%d bytes)\n", index, job.DPI, out, len(data))
	return nil
}
