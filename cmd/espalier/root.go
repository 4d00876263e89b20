package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "espalier",
	Short: "Espalier runs quality-gated content pipelines",
	Long: `Espalier drives a narrated explainer pipeline (research, script, images, voice)
through rate-limited external services, retrying stages whose output fails a quality gate.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().String("store", "", "Snapshot store: memory, file or redis")
	rootCmd.PersistentFlags().String("store-path", "", "Directory of the file snapshot store")
	rootCmd.PersistentFlags().String("redis-addr", "", "Address of the redis snapshot store")
}
