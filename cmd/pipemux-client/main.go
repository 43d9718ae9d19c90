// Command pipemux-client opens many pipelines to a pipemuxd server, writes
// chunks on all of them concurrently and verifies the echoed bytes.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-pipemux"
	"github.com/smnsjas/go-pipemux/config"
	"github.com/smnsjas/go-pipemux/muxconn"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	addr := flag.String("addr", "", "server address, overrides client.address")
	pipelines := flag.Int("pipelines", 0, "number of pipelines, overrides client.pipelines")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadAndValidate(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "pipemux-client: %v\n", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Client.Address = *addr
	}
	if *pipelines > 0 {
		cfg.Client.Pipelines = *pipelines
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Client.Timeout)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	conn, err := pipemux.Dial(ctx, cfg.Client.Address,
		pipemux.WithConnOptions(
			muxconn.WithLogger(logger),
			muxconn.WithMaxFrameSize(cfg.Mux.MaxFrameSize),
			muxconn.WithMaxPollInterval(cfg.Mux.MaxPollInterval),
			muxconn.WithFlushMode(cfg.Mux.TransportFlushMode()),
		),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("connected",
		"addr", cfg.Client.Address,
		"pipelines", cfg.Client.Pipelines,
		"chunks", cfg.Client.Chunks,
		"chunk_size", cfg.Client.ChunkSize,
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Client.Pipelines {
		g.Go(func() error {
			return exercise(gctx, conn, i, cfg.Client)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := int64(cfg.Client.Pipelines) * int64(cfg.Client.Chunks) * int64(cfg.Client.ChunkSize)
	logger.Info("all pipelines verified",
		"bytes", total,
		"elapsed", elapsed,
		"mib_per_sec", float64(total)/elapsed.Seconds()/(1<<20),
	)
	return nil
}

// exercise writes cfg.Chunks chunks on a fresh pipeline and reads each echo
// back before writing the next.
func exercise(ctx context.Context, conn *muxconn.Connection, index int, cfg config.ClientConfig) error {
	id, err := conn.CreatePipelineWithHandler(nil)
	if err != nil {
		return fmt.Errorf("pipeline %d: create: %w", index, err)
	}
	p, err := conn.GetBlockingPipeline(id)
	if err != nil {
		return fmt.Errorf("pipeline %d: %w", index, err)
	}
	defer p.Close()

	chunk := make([]byte, cfg.ChunkSize)
	for n := range cfg.Chunks {
		fill(chunk, index, n)
		if _, err := p.Write(chunk); err != nil {
			return fmt.Errorf("pipeline %s: write chunk %d: %w", id, n, err)
		}
		echo, err := p.ReadBytes(ctx, len(chunk))
		if err != nil {
			return fmt.Errorf("pipeline %s: read chunk %d: %w", id, n, err)
		}
		if !bytes.Equal(echo, chunk) {
			return fmt.Errorf("pipeline %s: chunk %d corrupted", id, n)
		}
	}
	return nil
}

// fill writes a pattern unique to the pipeline and chunk.
func fill(b []byte, pipelineIndex, chunkIndex int) {
	seed := byte(pipelineIndex*31 + chunkIndex*7)
	for i := range b {
		b[i] = seed + byte(i)
	}
}
