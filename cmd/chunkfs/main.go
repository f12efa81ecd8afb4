// chunkfs is the client CLI for the chunkfs write pipeline.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/chunkfs/chunkfs/internal/config"
	"github.com/chunkfs/chunkfs/internal/protocol"
	"github.com/chunkfs/chunkfs/internal/rpc"
	"github.com/chunkfs/chunkfs/internal/runloop"
	"github.com/chunkfs/chunkfs/internal/writer"
	"github.com/chunkfs/chunkfs/pkg/bytesize"
)

var version = "dev"

func main() {
	var (
		cfgFile  string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "chunkfs",
		Short: "chunkfs distributed file system client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	putCmd := &cobra.Command{
		Use:   "put <local-file> <file-id> <path>",
		Short: "Write a local file through the write pipeline",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			var fileID int64
			if _, err := fmt.Sscan(args[1], &fileID); err != nil {
				return fmt.Errorf("invalid file id %q: %w", args[1], err)
			}
			replicas, _ := cmd.Flags().GetInt("replicas")
			return runPut(cfg, args[0], fileID, args[2], replicas)
		},
	}
	putCmd.Flags().Int("replicas", 3, "replica count (0 for object store)")
	rootCmd.AddCommand(putCmd)

	benchCmd := &cobra.Command{
		Use:   "bench <file-id> <path>",
		Short: "Generate rate-limited synthetic write load",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			var fileID int64
			if _, err := fmt.Sscan(args[0], &fileID); err != nil {
				return fmt.Errorf("invalid file id %q: %w", args[0], err)
			}
			totalStr, _ := cmd.Flags().GetString("total")
			rateStr, _ := cmd.Flags().GetString("rate")
			total, err := bytesize.Parse(totalStr)
			if err != nil {
				return fmt.Errorf("total: %w", err)
			}
			perSec, err := bytesize.Parse(rateStr)
			if err != nil {
				return fmt.Errorf("rate: %w", err)
			}
			return runBench(cfg, fileID, args[1], total, perSec)
		},
	}
	benchCmd.Flags().String("total", "64MB", "total bytes to write")
	benchCmd.Flags().String("rate", "8MB", "bytes per second")
	rootCmd.AddCommand(benchCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chunkfs", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.ClientConfig, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

// session wires a writer to real transports on a run loop.
type session struct {
	loop   *runloop.Loop
	w      *writer.Writer
	doneCh chan int
}

// completionSink counts acknowledged bytes and signals the final close.
type completionSink struct {
	acked  int64
	doneCh chan int
}

func (s *completionSink) Done(w *writer.Writer, status int, offset, size int64) {
	if size > 0 {
		s.acked += size
	}
	if status == 0 && size == 0 && offset == 0 && !w.IsOpen() && !w.IsActive() {
		select {
		case s.doneCh <- status:
		default:
		}
	}
	if status != 0 {
		select {
		case s.doneCh <- status:
		default:
		}
	}
}

func (s *completionSink) Unregistered(*writer.Writer) {}

func newSession(cfg *config.ClientConfig) (*session, *completionSink, error) {
	host, port, err := splitHostPort(cfg.MetaServer)
	if err != nil {
		return nil, nil, fmt.Errorf("meta_server: %w", err)
	}
	loop := runloop.New()
	go loop.Run()
	meta := rpc.NewMetaClient(rpc.MetaClientConfig{
		Loop:   loop,
		Logger: log.Logger,
		Server: protocol.ServerLocation{Host: host, Port: port},
	})
	sink := &completionSink{doneCh: make(chan int, 1)}
	w := writer.New(writer.Config{
		Meta: meta,
		NewChunkClient: func(initialSeq int64) writer.ChunkClient {
			return rpc.NewChunkClient(rpc.ChunkClientConfig{
				Loop:        loop,
				Logger:      log.Logger,
				InitialSeq:  initialSeq,
				OpTimeout:   cfg.OpTimeoutD,
				IdleTimeout: cfg.IdleTimeoutD,
			})
		},
		Scheduler:          loop,
		Completion:         sink,
		Logger:             log.Logger,
		MaxRetryCount:      cfg.MaxRetryCount,
		WriteThreshold:     int(cfg.WriteThresholdBytes),
		MaxPartialBuffers:  cfg.MaxPartialBuffers,
		TimeBetweenRetries: cfg.TimeBetweenRetriesD,
		OpTimeout:          cfg.OpTimeoutD,
		IdleTimeout:        cfg.IdleTimeoutD,
		MaxWriteSize:       int(cfg.MaxWriteSizeBytes),
		CSClearTextAllowed: cfg.AllowClearText,
	})
	return &session{loop: loop, w: w, doneCh: sink.doneCh}, sink, nil
}

func runPut(cfg *config.ClientConfig, local string, fileID int64, path string, replicas int) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	s, sink, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.loop.Stop()

	s.loop.Call(func() {
		err = s.w.Open(fileID, path, 0, writer.StriperNone, 0, 0, 0, replicas)
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	buf := make([]byte, 1<<20)
	var offset int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			var werr error
			s.loop.Call(func() {
				_, werr = s.w.WriteBytes(buf[:n], offset, false)
			})
			if werr != nil {
				return fmt.Errorf("write at %d: %w", offset, werr)
			}
			offset += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	s.loop.Call(func() {
		err = s.w.Close()
	})
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	status := <-s.doneCh
	if status != 0 {
		return fmt.Errorf("write pipeline failed with status %d", status)
	}
	log.Info().
		Str("path", path).
		Str("size", bytesize.Format(info.Size())).
		Str("acked", bytesize.Format(sink.acked)).
		Msg("put complete")
	return nil
}

func runBench(cfg *config.ClientConfig, fileID int64, path string, total, perSec int64) error {
	s, _, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.loop.Stop()

	s.loop.Call(func() {
		err = s.w.Open(fileID, path, 0, writer.StriperNone, 0, 0, 0, 3)
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	const block = 256 << 10
	limiter := rate.NewLimiter(rate.Limit(perSec), block)
	rng := rand.New(rand.NewSource(42))
	payload := makeCompressible(rng, block)
	start := time.Now()
	var offset int64
	for offset < total {
		n := int64(block)
		if rem := total - offset; n > rem {
			n = rem
		}
		if err := limiter.WaitN(context.Background(), int(n)); err != nil {
			return err
		}
		var werr error
		s.loop.Call(func() {
			_, werr = s.w.WriteBytes(payload[:n], offset, false)
		})
		if werr != nil {
			return fmt.Errorf("write at %d: %w", offset, werr)
		}
		offset += n
	}
	s.loop.Call(func() {
		err = s.w.Close()
	})
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	status := <-s.doneCh
	if status != 0 {
		return fmt.Errorf("bench failed with status %d", status)
	}
	elapsed := time.Since(start)
	log.Info().
		Str("written", bytesize.Format(total)).
		Dur("elapsed", elapsed).
		Str("rate", bytesize.Format(int64(float64(total)/elapsed.Seconds()))+"/s").
		Msg("bench complete")
	return nil
}

// makeCompressible builds a payload that compresses roughly 2:1, like real
// file data, so transport compression is exercised honestly.
func makeCompressible(rng *rand.Rand, n int) []byte {
	p := make([]byte, n)
	for i := 0; i < n; i += 2 {
		p[i] = byte(rng.Intn(256))
	}
	return p
}

func splitHostPort(s string) (string, int, error) {
	var host string
	var port int
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			host = s[:i]
			if _, err := fmt.Sscan(s[i+1:], &port); err != nil {
				return "", 0, fmt.Errorf("invalid port in %q", s)
			}
			break
		}
	}
	if host == "" || port <= 0 {
		return "", 0, fmt.Errorf("expected host:port, got %q", s)
	}
	return host, port, nil
}
