package main

import (
	"fmt"
	"io"

	"github.com/dunamismax/diptych/internal/layout"
	"github.com/spf13/cobra"
)

var geometryCmd = &cobra.Command{
	Use:   "geometry",
	Short: "Show the pixel layout for a print size",
	RunE:  runGeometry,
}

func init() {
	rootCmd.AddCommand(geometryCmd)

	geometryCmd.Flags().String("preset", "", "Print size preset (overrides --width/--height)")
	geometryCmd.Flags().Float64("width", layout.DefaultWidth, "Print width in inches")
	geometryCmd.Flags().Float64("height", layout.DefaultHeight, "Print height in inches")
	geometryCmd.Flags().Int("dpi", layout.DefaultDPI, "Print resolution")
	geometryCmd.Flags().String("orientation", string(layout.OrientationLandscape), "landscape or portrait")
	geometryCmd.Flags().Int("gap", 0, "Gap between the images in pixels")
	geometryCmd.Flags().Int("border", 0, "Outer border in pixels")
}

func runGeometry(cmd *cobra.Command, _ []string) error {
	cfg := layout.Config{
		Width:         mustGetFloat64(cmd, "width"),
		Height:        mustGetFloat64(cmd, "height"),
		DPI:           mustGetInt(cmd, "dpi"),
		Orientation:   layout.Orientation(mustGetString(cmd, "orientation")),
		GapPx:         mustGetInt(cmd, "gap"),
		OuterBorderPx: mustGetInt(cmd, "border"),
	}
	if name := mustGetString(cmd, "preset"); name != "" {
		preset, ok := layout.LookupPreset(name)
		if !ok {
			return fmt.Errorf("unknown preset %q", name)
		}
		cfg = preset.Apply(cfg)
	}

	cfg, err := layout.NewConfig(cfg)
	if err != nil {
		return err
	}
	g, err := layout.Resolve(cfg, cfg.DPI)
	if err != nil {
		return err
	}
	printGeometry(cmd.OutOrStdout(), cfg, g)
	return nil
}

func printGeometry(w io.Writer, cfg layout.Config, g layout.Geometry) {
	fmt.Fprintf(w, "Print:       %gx%g in @ %d dpi, %s\n", cfg.Width, cfg.Height, cfg.DPI, cfg.Orientation)
	fmt.Fprintf(w, "Canvas:      %dx%d px\n", g.Final.W, g.Final.H)
	fmt.Fprintf(w, "Inner area:  %dx%d px (border %d, gap %d)\n", g.Processing.W, g.Processing.H, g.OuterBorderPx, g.GapPx)
	fmt.Fprintf(w, "Each image:  %dx%d px, split %s\n", g.Cell.W, g.Cell.H, g.Split)
}
