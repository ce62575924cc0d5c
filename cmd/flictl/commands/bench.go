package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/j-r-jones/dragon/channels"
	"github.com/j-r-jones/dragon/fli"
	"github.com/j-r-jones/dragon/memory"
)

var benchConfigPath string

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure conversation throughput",
	Long: `Run concurrent sending conversations against a sequential receiver
and report transfer rate. Senders contend for the stream-channel arena,
so runs with more conversations than streams exercise the lending path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := DefaultBenchConfig()
		if benchConfigPath != "" {
			loaded, err := LoadBenchConfig(benchConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		return benchRun(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchConfigPath, "config", "", "bench config file (toml)")
	rootCmd.AddCommand(benchCmd)
}

// BenchConfig sizes a local throughput run.
type BenchConfig struct {
	Conversations int
	Messages      int
	PayloadSize   int
	Streams       int
	PoolBytes     uint64
	Timeout       time.Duration
	Turbo         bool
}

func DefaultBenchConfig() BenchConfig {
	return BenchConfig{
		Conversations: 8,
		Messages:      128,
		PayloadSize:   4096,
		Streams:       4,
		PoolBytes:     64 << 20,
		Timeout:       10 * time.Second,
		Turbo:         false,
	}
}

type benchFileConfig struct {
	Conversations int    `toml:"conversations"`
	Messages      int    `toml:"messages"`
	PayloadSize   int    `toml:"payload_size"`
	Streams       int    `toml:"streams"`
	PoolBytes     int64  `toml:"pool_bytes"`
	Timeout       string `toml:"timeout"`
	TimeoutMS     int64  `toml:"timeout_ms"`
	Turbo         bool   `toml:"turbo"`
}

func LoadBenchConfig(path string) (BenchConfig, error) {
	cfg := DefaultBenchConfig()

	var raw benchFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return BenchConfig{}, fmt.Errorf("load bench config: %w", err)
	}

	if meta.IsDefined("conversations") {
		cfg.Conversations = raw.Conversations
	}
	if meta.IsDefined("messages") {
		cfg.Messages = raw.Messages
	}
	if meta.IsDefined("payload_size") {
		cfg.PayloadSize = raw.PayloadSize
	}
	if meta.IsDefined("streams") {
		cfg.Streams = raw.Streams
	}
	if meta.IsDefined("pool_bytes") {
		if raw.PoolBytes <= 0 {
			return BenchConfig{}, fmt.Errorf("load bench config: pool_bytes must be positive")
		}
		cfg.PoolBytes = uint64(raw.PoolBytes)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return BenchConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("timeout_ms") {
		cfg.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("turbo") {
		cfg.Turbo = raw.Turbo
	}
	return cfg, nil
}

func (c BenchConfig) validate() error {
	if c.Conversations < 1 || c.Messages < 1 || c.PayloadSize < 1 || c.Streams < 1 {
		return fmt.Errorf("bench: conversations, messages, payload_size and streams must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("bench: timeout must be positive")
	}
	return nil
}

func benchRun(out io.Writer, cfg BenchConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	pool, err := memory.New("flictl-bench", cfg.PoolBytes)
	if err != nil {
		return fmt.Errorf("bench: create pool: %w", err)
	}
	defer pool.Destroy()

	manager, err := channels.New(channels.Config{Capacity: cfg.Streams, Pool: pool})
	if err != nil {
		return fmt.Errorf("bench: create manager: %w", err)
	}
	defer manager.Destroy()
	streams := make([]*channels.Channel, 0, cfg.Streams)
	for i := 0; i < cfg.Streams; i++ {
		sc, err := channels.New(channels.Config{Capacity: cfg.Messages + 1, Pool: pool})
		if err != nil {
			return fmt.Errorf("bench: create stream channel: %w", err)
		}
		defer sc.Destroy()
		streams = append(streams, sc)
	}
	f, err := fli.New(fli.Config{Manager: manager, StreamChannels: streams, Pool: pool})
	if err != nil {
		return fmt.Errorf("bench: create interface: %w", err)
	}
	defer f.Destroy()

	payload := make([]byte, cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	deadline := fli.Timeout(cfg.Timeout)

	start := time.Now()
	errs := make(chan error, cfg.Conversations)
	var wg sync.WaitGroup
	for c := 0; c < cfg.Conversations; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- benchSend(f, payload, cfg, deadline)
		}()
	}

	var total uint64
	var recvFailure error
	for c := 0; c < cfg.Conversations; c++ {
		n, err := benchReceive(f, deadline)
		total += n
		if err != nil {
			recvFailure = err
			break
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && recvFailure == nil {
			recvFailure = err
		}
	}
	if recvFailure != nil {
		return recvFailure
	}
	elapsed := time.Since(start)

	fmt.Fprintf(out, "conversations: %d over %d stream channels\n", cfg.Conversations, cfg.Streams)
	fmt.Fprintf(out, "messages:      %d x %d bytes per conversation\n", cfg.Messages, cfg.PayloadSize)
	fmt.Fprintf(out, "transferred:   %d bytes in %s (%.1f MiB/s)\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds()/(1<<20))
	return nil
}

func benchSend(f *fli.FLI, payload []byte, cfg BenchConfig, deadline *time.Duration) error {
	sh, err := f.OpenSend(fli.SendConfig{Timeout: deadline, Turbo: cfg.Turbo})
	if err != nil {
		return fmt.Errorf("bench: open send: %w", err)
	}
	for i := 0; i < cfg.Messages; i++ {
		if err := sh.SendBytes(payload, uint64(i), deadline); err != nil {
			_ = sh.Close(fli.Timeout(0))
			return fmt.Errorf("bench: send: %w", err)
		}
	}
	if err := sh.Close(deadline); err != nil {
		return fmt.Errorf("bench: close send: %w", err)
	}
	return nil
}

func benchReceive(f *fli.FLI, deadline *time.Duration) (uint64, error) {
	rh, err := f.OpenRecv(fli.RecvConfig{Timeout: deadline})
	if err != nil {
		return 0, fmt.Errorf("bench: open recv: %w", err)
	}
	var n uint64
	for {
		data, _, err := rh.RecvBytes(0, deadline)
		if fli.KindOf(err) == fli.KindEOT {
			break
		}
		if err != nil {
			_ = rh.Close(fli.Timeout(0))
			return n, fmt.Errorf("bench: receive: %w", err)
		}
		n += uint64(len(data))
	}
	if err := rh.Close(deadline); err != nil {
		return n, fmt.Errorf("bench: close recv: %w", err)
	}
	return n, nil
}
