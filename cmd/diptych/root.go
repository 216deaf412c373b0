package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "diptych",
	Short: "Compose photo pairs into print-ready diptychs",
	Long: `diptych lays out pairs of photographs side by side (or stacked for
portrait prints) at an exact physical size and DPI, honoring camera
orientation, rotation, crop focus, borders and gaps.

Settings not given as flags are read from the environment and an optional
.env file, the same variables the API and worker use.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional
	_ = godotenv.Load()
}
