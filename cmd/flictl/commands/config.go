package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configOutput string
	configForce  bool
	configInput  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bench configuration files",
}

var configEmitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Write a bench config template",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := writeBenchTemplate(configOutput, configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configOutput)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a bench config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadBenchConfig(configInput)
		if err != nil {
			return err
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "validated %s\n", configInput)
		return nil
	},
}

func init() {
	configEmitCmd.Flags().StringVar(&configOutput, "output", "bench.toml", "output path for the template")
	configEmitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configValidateCmd.Flags().StringVar(&configInput, "input", "bench.toml", "config path to validate")
	configCmd.AddCommand(configEmitCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// benchTemplate mirrors DefaultBenchConfig.
const benchTemplate = `conversations = 8
messages = 128
payload_size = 4096
streams = 4
pool_bytes = 67108864
timeout = "10s"
turbo = false
`

func writeBenchTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(benchTemplate), 0o600)
}
