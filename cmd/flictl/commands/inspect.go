package commands

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/fli"
	"github.com/j-r-jones/dragon/memory"
)

var inspectEmit bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [descriptor-file]",
	Short: "Decode a serialized interface descriptor",
	Long: `Decode a base64 descriptor produced by Serialize and print its
channels without attaching to them. Pass - to read the descriptor from
stdin. With --emit a fresh descriptor is serialized and printed
instead, for piping into a file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if inspectEmit {
			return inspectEmitRun(cmd.OutOrStdout())
		}
		if len(args) != 1 {
			return fmt.Errorf("inspect: descriptor file required (or --emit)")
		}
		return inspectRun(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectEmit, "emit", false, "emit a fresh descriptor instead of reading one")
	rootCmd.AddCommand(inspectCmd)
}

func inspectRun(out io.Writer, path string) error {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("inspect: decode base64: %w", err)
	}
	info, err := fli.Inspect(blob)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	printDescriptor(out, info)
	return nil
}

func printDescriptor(out io.Writer, info fli.DescriptorInfo) {
	fmt.Fprintf(out, "buffered: %v\n", info.Buffered)
	fmt.Fprintf(out, "pool:     %s\n", info.PoolUID)
	fmt.Fprintf(out, "main:     %s capacity %d\n", info.Main.UID, info.Main.Capacity)
	if info.Manager != nil {
		fmt.Fprintf(out, "manager:  %s capacity %d\n", info.Manager.UID, info.Manager.Capacity)
	} else {
		fmt.Fprintf(out, "manager:  none\n")
	}
}

func inspectEmitRun(out io.Writer) error {
	pool, err := memory.New("flictl-inspect", 1<<20)
	if err != nil {
		return fmt.Errorf("inspect: create pool: %w", err)
	}
	defer pool.Destroy()
	manager, err := channels.New(channels.Config{Capacity: 2, Pool: pool})
	if err != nil {
		return fmt.Errorf("inspect: create manager: %w", err)
	}
	defer manager.Destroy()
	streams := make([]*channels.Channel, 0, 2)
	for i := 0; i < 2; i++ {
		sc, err := channels.New(channels.Config{Capacity: 8, Pool: pool})
		if err != nil {
			return fmt.Errorf("inspect: create stream channel: %w", err)
		}
		defer sc.Destroy()
		streams = append(streams, sc)
	}
	f, err := fli.New(fli.Config{Manager: manager, StreamChannels: streams, Pool: pool})
	if err != nil {
		return fmt.Errorf("inspect: create interface: %w", err)
	}
	defer f.Destroy()
	blob, err := f.Serialize()
	if err != nil {
		return fmt.Errorf("inspect: serialize: %w", err)
	}
	fmt.Fprintln(out, base64.StdEncoding.EncodeToString(blob))
	return nil
}
