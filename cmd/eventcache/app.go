package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"eventcache/internal/chain"
	"eventcache/internal/checkpoint"
	"eventcache/internal/config"
	"eventcache/internal/confirm"
	"eventcache/internal/decode"
	"eventcache/internal/events"
	"eventcache/internal/indexer"
	"eventcache/internal/metrics"
	"eventcache/internal/model"
	"eventcache/internal/reorg"
	"eventcache/internal/storage"
	"eventcache/internal/storage/memory"
	"eventcache/internal/storage/postgres"
)

// app owns the shared connections of one process.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	client  *chain.Client
	kv      checkpoint.KV
	buffer  storage.EventBuffer
	closers []func()
}

func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger, withChain bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var pg *postgres.Store
	if cfg.CheckpointBackend == config.BackendPostgres || cfg.BufferBackend == config.BackendPostgres {
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		pg = store
	}

	switch cfg.CheckpointBackend {
	case config.BackendPostgres:
		a.kv = pg
	case config.BackendRedis:
		kv, err := checkpoint.NewRedisKV(cfg.RedisURL, cfg.RedisHash)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = kv.Close() })
		a.kv = kv
	case config.BackendFile:
		a.kv = checkpoint.NewFileKV(cfg.CheckpointFile)
	default:
		a.kv = checkpoint.NewMemoryKV()
	}

	if cfg.BufferBackend == config.BackendPostgres {
		a.buffer = pg
	} else {
		a.buffer = memory.NewBuffer()
	}

	if withChain {
		client, err := chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect rpc: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.client = client
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) checkpoints(source string) *checkpoint.Store {
	return checkpoint.NewStore(a.kv, source)
}

// newEngine wires the pipeline of one source.
func (a *app) newEngine(source config.Source, publisher events.Publisher, m *metrics.Metrics) (*indexer.Engine, *confirm.Tracker, error) {
	contract, err := indexer.ParseAddress(source.Contract)
	if err != nil {
		return nil, nil, err
	}
	startBlock, err := source.StartBlock()
	if err != nil {
		return nil, nil, err
	}
	contractABI, err := decode.LoadABI(source.ABI)
	if err != nil {
		return nil, nil, fmt.Errorf("source %s: %w", source.Name, err)
	}
	decoder, err := decode.NewDecoder(contractABI, source.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("source %s: %w", source.Name, err)
	}

	logger := a.logger.With(zap.String("source", source.Name))
	checkpoints := a.checkpoints(source.Name)

	tracker := confirm.NewTracker(confirm.Config{
		Source:                source.Name,
		Contract:              contract.Hex(),
		Confirmations:         source.Confirmations,
		RetentionMultiplier:   a.cfg.RetentionMultiplier,
		ValidationConcurrency: a.cfg.ValidationConcurrency,
	}, a.buffer, a.client, checkpoints, publisher, m, logger)

	engine, err := indexer.NewEngine(indexer.Config{
		Name:          source.Name,
		Contract:      contract,
		Confirmations: source.Confirmations,
		StartingBlock: startBlock,
		BatchSize:     a.cfg.BatchSize,
		ReorgRecheck:  source.Recheck(),
		MaxRetries:    a.cfg.MaxRetries,
		RetryBackoff:  a.cfg.RetryBackoff,
	}, indexer.Deps{
		Chain:       a.client,
		Decoder:     decoder,
		Buffer:      a.buffer,
		Checkpoints: checkpoints,
		Tracker:     tracker,
		Detector:    reorg.NewDetector(a.buffer, logger),
		Publisher:   publisher,
		Metrics:     m,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("source configured",
		zap.String("contract", contract.Hex()),
		zap.Strings("events", decoder.EventNames()),
		zap.Uint64("confirmations", source.Confirmations),
		zap.Uint64("starting_block", startBlock),
		zap.Bool("reorg_recheck", source.Recheck()),
	)
	return engine, tracker, nil
}

// logSignals logs the signals operators care about.
func logSignals(logger *zap.Logger) events.Handler {
	return func(_ context.Context, s events.Signal) error {
		switch sig := s.(type) {
		case events.NewEvent:
			logger.Debug("event emitted",
				zap.String("event", sig.Event.Event),
				zap.Uint64("block", sig.Event.BlockNumber),
				zap.String("tx_hash", sig.Event.TransactionHash),
			)
		case events.NewConfirmation:
			logger.Debug("confirmation progress",
				zap.String("tx_hash", sig.TransactionHash),
				zap.Uint64("confirmations", sig.Confirmations),
				zap.Uint64("target", sig.TargetConfirmation),
			)
		case events.InvalidConfirmation:
			logger.Warn("invalid confirmation", zap.String("tx_hash", sig.TransactionHash))
		case events.InitFinished:
			logger.Info("initial sync finished")
		case events.Error:
			logger.Warn("pipeline error", zap.Error(sig.Err))
		default:
			logger.Warn("unknown signal", zap.String("signal", events.Name(s)))
		}
		return nil
	}
}

func formatRef(ref *model.BlockRef) string {
	if ref == nil {
		return "-"
	}
	return fmt.Sprintf("%d(%s)", ref.Number, ref.Hash)
}
