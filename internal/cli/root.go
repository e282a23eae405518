// Package cli implements the crowsnest command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "crowsnest",
	Short: "Crowsnest threat detection service",
	Long: `crowsnest ingests security telemetry, evaluates it against
detection rules and temporal correlation windows, and emits scored
threat decisions.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus CROWSNEST_* env)")
}
