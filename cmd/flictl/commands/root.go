package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/j-r-jones/dragon/internal/logging"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "flictl",
	Short: "flictl - file-like streaming over channels",
	Long: `flictl exercises the dragon streaming interface in-process.

Commands:
  flictl demo     Run send/receive conversations locally
  flictl bench    Measure conversation throughput
  flictl inspect  Decode a serialized interface descriptor`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(versionCmd)
}

func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flictl %s\n", version)
	},
}
