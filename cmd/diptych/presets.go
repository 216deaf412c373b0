package main

import (
	"fmt"
	"io"

	"github.com/dunamismax/diptych/internal/layout"
	"github.com/spf13/cobra"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the built-in print sizes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		presets, err := layout.Presets()
		if err != nil {
			return err
		}
		printPresets(cmd.OutOrStdout(), presets)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(presetsCmd)
}

func printPresets(w io.Writer, presets []layout.Preset) {
	for _, p := range presets {
		fmt.Fprintf(w, "%-8s %g x %g in\n", p.Name, p.Width, p.Height)
	}
}
