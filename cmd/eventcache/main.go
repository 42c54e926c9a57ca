package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"eventcache/internal/blocksource"
	"eventcache/internal/config"
	"eventcache/internal/events"
	"eventcache/internal/indexer"
	"eventcache/internal/metrics"
	"eventcache/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:          "eventcache",
		Short:        "Confirmation-aware contract event cache",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Backfill and follow contract events",
		RunE:  runPipeline,
	}
	addCommonFlags(runCmd.Flags())
	runCmd.Flags().String("strategy", blocksource.StrategyPolling, "new block strategy (polling, listening)")
	runCmd.Flags().Duration("polling-interval", blocksource.DefaultPollingInterval, "polling interval, also the resubscribe delay when listening")
	runCmd.Flags().Int("validation-concurrency", 8, "parallel receipt checks per source")
	runCmd.Flags().Uint64("batch-size", indexer.DefaultBatchSize, "blocks per log query")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts per chain query")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().String("metrics-addr", "", "prometheus listen address, empty disables")
	runCmd.Flags().String("out", "", "append confirmed events to this JSONL file")
	root.AddCommand(runCmd)

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Print the checkpoints of configured sources",
		RunE:  runCheckpoint,
	}
	addCommonFlags(checkpointCmd.Flags())
	root.AddCommand(checkpointCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete emitted events older than the retention window",
		RunE:  runPurge,
	}
	addCommonFlags(purgeCmd.Flags())
	root.AddCommand(purgeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "JSON-RPC URL, websocket for the listening strategy")
	flags.String("checkpoint-backend", config.BackendPostgres, "checkpoint store (postgres, redis, file, memory)")
	flags.String("checkpoint-file", "./data/checkpoints.json", "checkpoint file for the file backend")
	flags.String("buffer-backend", config.BackendPostgres, "event buffer (postgres, memory)")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("redis-url", "", "Redis URL for the redis checkpoint backend")
	flags.Float64("retention-multiplier", 1.5, "keep emitted rows for confirmations * multiplier blocks")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	flags.String("name", "", "source name when configuring a single source by flags")
	flags.String("contract", "", "contract address")
	flags.String("abi", "", "contract ABI JSON file")
	flags.StringSlice("events", nil, "event names (comma-separated), empty means all")
	flags.Uint64("confirmations", 0, "confirmations before an event is emitted")
	flags.String("starting-block", indexer.TagGenesis, "first block of the initial backfill")
	flags.Bool("reorg-recheck", false, "refetch from the lowest pending block on every new block (default on when confirmations > 0)")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := events.NewHub(logger)
	defer hub.StopAll()
	m := metrics.New(prometheus.DefaultRegisterer)

	var sink *storage.JSONLSink
	if cfg.Out != "" {
		sink = storage.NewJSONLSink(cfg.Out)
	}

	engines := make([]*indexer.Engine, 0, len(cfg.Sources))
	for _, source := range cfg.Sources {
		engine, _, err := a.newEngine(source, hub, m)
		if err != nil {
			return err
		}
		engines = append(engines, engine)

		hub.Subscribe(source.Name, logSignals(logger.With(zap.String("source", source.Name))))
		if sink != nil {
			hub.Subscribe(source.Name, sink.Handle)
		}
	}

	blockSource, err := blocksource.New(cfg.Strategy, a.client, cfg.PollingInterval, logger)
	if err != nil {
		return err
	}

	logger.Info("eventcache start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("strategy", cfg.Strategy),
		zap.Duration("polling_interval", cfg.PollingInterval),
		zap.Int("sources", len(cfg.Sources)),
		zap.String("checkpoint_backend", cfg.CheckpointBackend),
		zap.String("buffer_backend", cfg.BufferBackend),
		zap.String("out", cfg.Out),
	)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	}
	for _, engine := range engines {
		engine := engine
		g.Go(func() error {
			if err := engine.Run(ctx, blockSource); err != nil {
				return fmt.Errorf("source %s: %w", engine.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("eventcache stopped")
	return nil
}

func runCheckpoint(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, source := range cfg.Sources {
		cp, err := a.checkpoints(source.Name).Load(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\tfetched=%s\tprocessed=%s\n", source.Name, formatRef(cp.LastFetched), formatRef(cp.LastProcessed))
	}
	return nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	head, err := a.client.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}

	hub := events.NewHub(logger)
	m := metrics.New(nil)
	for _, source := range cfg.Sources {
		_, tracker, err := a.newEngine(source, hub, m)
		if err != nil {
			return err
		}
		purged, err := tracker.Purge(ctx, head)
		if err != nil {
			return err
		}
		logger.Info("purge complete",
			zap.String("source", source.Name),
			zap.Uint64("head", head),
			zap.Uint64("retention_blocks", tracker.RetentionBlocks()),
			zap.Int64("purged", purged),
		)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listen", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
