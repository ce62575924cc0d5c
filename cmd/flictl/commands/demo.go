package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/fli"
	"github.com/j-r-jones/dragon/memory"
)

var (
	demoStreams  int
	demoMessages int
	demoBuffered bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run local conversations over a streaming interface",
	Long: `Create a streaming interface backed by a local memory pool, run one
conversation per stream channel, and report what arrived.

Examples:
  flictl demo
  flictl demo --streams 4 --messages 16
  flictl demo --buffered`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return demoRun(cmd.OutOrStdout(), demoOptions{
			Streams:  demoStreams,
			Messages: demoMessages,
			Buffered: demoBuffered,
		})
	},
}

func init() {
	demoCmd.Flags().IntVar(&demoStreams, "streams", 2, "stream channels in the arena")
	demoCmd.Flags().IntVar(&demoMessages, "messages", 4, "messages per conversation")
	demoCmd.Flags().BoolVar(&demoBuffered, "buffered", false, "coalesce each conversation into one message")
	rootCmd.AddCommand(demoCmd)
}

type demoOptions struct {
	Streams  int
	Messages int
	Buffered bool
}

func demoRun(out io.Writer, opts demoOptions) error {
	if opts.Streams < 1 || opts.Messages < 1 {
		return fmt.Errorf("demo: streams and messages must be positive")
	}
	pool, err := memory.New("flictl-demo", 1<<22)
	if err != nil {
		return fmt.Errorf("demo: create pool: %w", err)
	}
	defer pool.Destroy()

	if opts.Buffered {
		return demoBufferedRun(out, pool, opts.Messages)
	}

	manager, err := channels.New(channels.Config{Capacity: opts.Streams, Pool: pool})
	if err != nil {
		return fmt.Errorf("demo: create manager: %w", err)
	}
	defer manager.Destroy()
	streams := make([]*channels.Channel, 0, opts.Streams)
	for i := 0; i < opts.Streams; i++ {
		sc, err := channels.New(channels.Config{Capacity: opts.Messages + 1, Pool: pool})
		if err != nil {
			return fmt.Errorf("demo: create stream channel: %w", err)
		}
		defer sc.Destroy()
		streams = append(streams, sc)
	}
	f, err := fli.New(fli.Config{Manager: manager, StreamChannels: streams, Pool: pool})
	if err != nil {
		return fmt.Errorf("demo: create interface: %w", err)
	}
	defer f.Destroy()

	deadline := fli.Timeout(5 * time.Second)
	for conv := 0; conv < opts.Streams; conv++ {
		sh, err := f.OpenSend(fli.SendConfig{Timeout: deadline})
		if err != nil {
			return fmt.Errorf("demo: open send: %w", err)
		}
		for i := 0; i < opts.Messages; i++ {
			payload := []byte(fmt.Sprintf("conversation %d message %d", conv, i))
			if err := sh.SendBytes(payload, uint64(i), deadline); err != nil {
				return fmt.Errorf("demo: send: %w", err)
			}
		}
		if err := sh.Close(deadline); err != nil {
			return fmt.Errorf("demo: close send: %w", err)
		}

		rh, err := f.OpenRecv(fli.RecvConfig{Timeout: deadline})
		if err != nil {
			return fmt.Errorf("demo: open recv: %w", err)
		}
		received, bytes, err := drainConversation(rh, deadline)
		if err != nil {
			return fmt.Errorf("demo: receive: %w", err)
		}
		if err := rh.Close(deadline); err != nil {
			return fmt.Errorf("demo: close recv: %w", err)
		}
		fmt.Fprintf(out, "conversation %d: %d messages, %d bytes\n", conv, received, bytes)
	}

	avail, err := f.NumAvailableStreams(nil)
	if err != nil {
		return fmt.Errorf("demo: available streams: %w", err)
	}
	fmt.Fprintf(out, "arena restored: %d of %d stream channels available\n", avail, opts.Streams)
	return nil
}

func demoBufferedRun(out io.Writer, pool *memory.Pool, messages int) error {
	f, err := fli.New(fli.Config{Pool: pool, Buffered: true})
	if err != nil {
		return fmt.Errorf("demo: create interface: %w", err)
	}
	defer f.Destroy()

	deadline := fli.Timeout(5 * time.Second)
	sh, err := f.OpenSend(fli.SendConfig{})
	if err != nil {
		return fmt.Errorf("demo: open send: %w", err)
	}
	for i := 0; i < messages; i++ {
		payload := []byte(fmt.Sprintf("buffered message %d;", i))
		if err := sh.SendBytes(payload, uint64(i), deadline); err != nil {
			return fmt.Errorf("demo: send: %w", err)
		}
	}
	if err := sh.Close(deadline); err != nil {
		return fmt.Errorf("demo: close send: %w", err)
	}

	rh, err := f.OpenRecv(fli.RecvConfig{})
	if err != nil {
		return fmt.Errorf("demo: open recv: %w", err)
	}
	data, hint, err := rh.RecvBytes(0, deadline)
	if err != nil {
		return fmt.Errorf("demo: receive: %w", err)
	}
	if err := rh.Close(deadline); err != nil {
		return fmt.Errorf("demo: close recv: %w", err)
	}
	fmt.Fprintf(out, "buffered conversation: %d sends coalesced into %d bytes (hint %d)\n",
		messages, len(data), hint)
	return nil
}

func drainConversation(rh *fli.RecvHandle, deadline *time.Duration) (int, uint64, error) {
	var received int
	var bytes uint64
	for {
		data, _, err := rh.RecvBytes(0, deadline)
		if fli.KindOf(err) == fli.KindEOT {
			return received, bytes, nil
		}
		if err != nil {
			return received, bytes, err
		}
		received++
		bytes += uint64(len(data))
	}
}
