// Command pipemuxd serves multiplexed connections and echoes every pipeline
// back to its peer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/smnsjas/go-pipemux"
	"github.com/smnsjas/go-pipemux/config"
	"github.com/smnsjas/go-pipemux/metrics"
	"github.com/smnsjas/go-pipemux/muxconn"
	"github.com/smnsjas/go-pipemux/taskqueue"
	"github.com/smnsjas/go-pipemux/transport"
	"github.com/smnsjas/go-pipemux/transport/gnetconn"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipemuxd: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting pipemuxd",
		"version", pipemux.Version,
		"listen", cfg.Server.Listen,
		"engine", cfg.Server.Engine,
	)

	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, logger),
		fx.Provide(newMetrics, newExecutor),
		fx.Invoke(registerMetricsServer, registerServer),
	)
	if err := app.Err(); err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	app.Run()
	logger.Info("pipemuxd stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAndValidate(path)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

// newExecutor returns the worker pool that drains handler callbacks.
func newExecutor(lc fx.Lifecycle, cfg *config.Config) (taskqueue.Executor, error) {
	if cfg.Server.WorkerPool == 0 {
		return transport.DefaultExecutor, nil
	}
	pool, err := ants.NewPool(cfg.Server.WorkerPool)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Release()
			return nil
		},
	})
	return pool, nil
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen metrics: %w", err)
			}
			logger.Info("starting metrics server", "addr", ln.Addr().String(), "path", cfg.Metrics.Path)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func connOptions(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) []muxconn.Option {
	return []muxconn.Option{
		muxconn.WithLogger(logger),
		muxconn.WithDefaultHandler(pipemux.EchoHandler()),
		muxconn.WithIdleTimeout(cfg.Mux.IdleTimeout),
		muxconn.WithConnectionTimeout(cfg.Mux.ConnectionTimeout),
		muxconn.WithMaxFrameSize(cfg.Mux.MaxFrameSize),
		muxconn.WithMaxPollInterval(cfg.Mux.MaxPollInterval),
		muxconn.WithClosedIDCacheSize(cfg.Mux.ClosedIDCacheSize),
		muxconn.WithConnIdleTimeout(cfg.Mux.ConnIdleTimeout),
		muxconn.WithFlushMode(cfg.Mux.TransportFlushMode()),
		muxconn.WithMetrics(m),
	}
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, exec taskqueue.Executor) {
	opts := connOptions(cfg, logger, m)
	switch cfg.Server.Engine {
	case config.EngineGnet:
		registerGnetServer(lc, cfg, logger, exec, opts)
	default:
		registerStreamServer(lc, cfg, logger, exec, opts)
	}
}

func registerStreamServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, exec taskqueue.Executor, opts []muxconn.Option) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			logger.Info("accepting connections", "addr", ln.Addr().String())
			go func() {
				defer close(done)
				err := pipemux.Serve(ctx, ln, func(c *muxconn.Connection) {
					logger.Debug("connection accepted", "remote", c.RemoteAddr())
				},
					pipemux.WithStreamOptions(
						transport.WithExecutor(exec),
						transport.WithStreamLogger(logger),
					),
					pipemux.WithConnOptions(opts...),
				)
				if err != nil {
					logger.Error("server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func registerGnetServer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, exec taskqueue.Executor, opts []muxconn.Option) {
	srv := gnetconn.NewServer(cfg.Server.Listen, func(c *gnetconn.Conn) {
		if _, err := muxconn.New(c, opts...); err != nil {
			logger.Warn("rejecting connection", "remote", c.RemoteAddr(), "error", err)
			_ = c.Close()
			return
		}
		logger.Debug("connection accepted", "remote", c.RemoteAddr())
	},
		gnetconn.WithLogger(logger),
		gnetconn.WithExecutor(exec),
		gnetconn.WithMulticore(cfg.Server.Multicore),
		gnetconn.WithTickInterval(cfg.Server.TickInterval),
	)
	runErr := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				runErr <- srv.Run()
			}()
			select {
			case <-srv.Booted():
				return nil
			case err := <-runErr:
				return fmt.Errorf("gnet engine: %w", err)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, gnetconn.ErrNotBooted) {
				return err
			}
			return nil
		},
	})
}
