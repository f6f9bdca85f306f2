package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinyedit/docsync/internal/config"
	"github.com/tinyedit/docsync/internal/telemetry"
	"github.com/tinyedit/docsync/pkg/persistence"
	"github.com/tinyedit/docsync/pkg/server"
)

type serveFlags struct {
	host      string
	port      int
	store     string
	heartbeat time.Duration
	logLevel  string
	logFormat string
	metrics   bool
	noGC      bool
}

func serveCmd(configPath *string) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the WebSocket sync server.

Settings come from the config file, then the environment, then flags.

Examples:
  docsync serve
  docsync serve --port=8080 --store=sqlite
  MONGODB_URL=mongodb://localhost:27017 docsync serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.host, "host", "H", "", "Host to bind to")
	fl.IntVarP(&f.port, "port", "p", 0, "Port to listen on")
	fl.StringVar(&f.store, "store", "", "Store driver: memory, sqlite, mongodb, redis, s3")
	fl.DurationVar(&f.heartbeat, "heartbeat", 0, "Heartbeat interval")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "", "Log format: text, json")
	fl.BoolVar(&f.metrics, "metrics", false, "Serve Prometheus metrics on /metrics")
	fl.BoolVar(&f.noGC, "no-gc", false, "Keep the content of deleted text")

	return cmd
}

// apply overrides cfg with the flags the user set.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("host") {
		cfg.Host = f.host
	}
	if fl.Changed("port") {
		cfg.Port = f.port
	}
	if fl.Changed("store") {
		cfg.Store.Driver = f.store
	}
	if fl.Changed("heartbeat") {
		cfg.Document.Heartbeat = f.heartbeat
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fl.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fl.Changed("metrics") {
		cfg.Metrics = f.metrics
	}
	if fl.Changed("no-gc") {
		cfg.GC = !f.noGC
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, "docsync", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	gateway := persistence.NewGateway(store,
		persistence.WithFlushSize(cfg.Store.FlushSize),
		persistence.WithLogger(logger),
	)

	logger.Info("connecting store", "driver", cfg.Store.Driver)
	err = persistence.ConnectWithRetry(ctx, gateway, cfg.Store.ConnectTimeout, func(err error, next time.Duration) {
		logger.Warn("store connect failed, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return fmt.Errorf("connect %s store: %w", cfg.Store.Driver, err)
	}

	srvCfg := serverConfig(cfg, logger)
	srvCfg.Persistence = gateway
	srv := server.New(srvCfg)

	l, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		_ = gateway.Close(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Document.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), gateway.Close(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serverConfig maps the process configuration onto the server's.
func serverConfig(cfg *config.Config, logger *slog.Logger) *server.ServerConfig {
	sc := server.DefaultServerConfig().WithAddress(cfg.Address())
	sc.Logger = logger
	sc.ShutdownTimeout = cfg.Document.ShutdownTimeout
	if len(cfg.AllowedOrigins) > 0 {
		sc.CheckOrigin = server.OriginChecker(cfg.AllowedOrigins)
	}

	sc.Document.GC = cfg.GC
	sc.Document.PersistenceRequired = cfg.Document.PersistenceRequired
	sc.Document.AwarenessTimeout = cfg.Document.AwarenessTimeout
	sc.Document.FlushTimeout = cfg.Document.FlushTimeout

	sc.Connection.HeartbeatInterval = cfg.Document.Heartbeat
	sc.Connection.SendQueueSize = cfg.Document.SendQueueSize

	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sc.Registry = reg
	}
	return sc
}
