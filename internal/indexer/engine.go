// Package indexer fetches contract events and routes them through the
// confirmation buffer.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"eventcache/internal/blocksource"
	"eventcache/internal/checkpoint"
	"eventcache/internal/confirm"
	"eventcache/internal/events"
	"eventcache/internal/metrics"
	"eventcache/internal/model"
	"eventcache/internal/reorg"
	"eventcache/internal/storage"
)

const (
	DefaultBatchSize    = 2000
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

// LogSource is the part of the chain client the engine queries.
type LogSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (model.BlockHeader, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// LogDecoder turns contract logs into events.
type LogDecoder interface {
	Topics() []common.Hash
	CanDecode(log types.Log) bool
	Decode(log types.Log) (model.RawLogEvent, error)
}

// Config holds the settings of one source.
type Config struct {
	Name          string
	Contract      common.Address
	Confirmations uint64
	StartingBlock uint64
	BatchSize     uint64
	ReorgRecheck  bool
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Deps are the collaborators of an engine.
type Deps struct {
	Chain       LogSource
	Decoder     LogDecoder
	Buffer      storage.EventBuffer
	Checkpoints *checkpoint.Store
	Tracker     *confirm.Tracker
	Detector    *reorg.Detector
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Engine ingests the events of one contract. Backfill and live processing
// share a single slot, so at most one chain fetch is in flight.
type Engine struct {
	cfg      Config
	contract string
	topics   []common.Hash

	chain       LogSource
	decoder     LogDecoder
	buffer      storage.EventBuffer
	checkpoints *checkpoint.Store
	tracker     *confirm.Tracker
	detector    *reorg.Detector
	publisher   events.Publisher
	metrics     *metrics.Metrics
	logger      *zap.Logger

	sem   *semaphore.Weighted
	ready bool
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("source name is required")
	}
	if deps.Chain == nil {
		return nil, fmt.Errorf("%s: chain client is nil", cfg.Name)
	}
	if deps.Decoder == nil {
		return nil, fmt.Errorf("%s: decoder is nil", cfg.Name)
	}
	if deps.Buffer == nil {
		return nil, fmt.Errorf("%s: event buffer is nil", cfg.Name)
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("%s: checkpoint store is nil", cfg.Name)
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("%s: confirmation tracker is nil", cfg.Name)
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("%s: publisher is nil", cfg.Name)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if deps.Detector == nil {
		deps.Detector = reorg.NewDetector(deps.Buffer, deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:         cfg,
		contract:    cfg.Contract.Hex(),
		topics:      deps.Decoder.Topics(),
		chain:       deps.Chain,
		decoder:     deps.Decoder,
		buffer:      deps.Buffer,
		checkpoints: deps.Checkpoints,
		tracker:     deps.Tracker,
		detector:    deps.Detector,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		logger:      logger.With(zap.String("source", cfg.Name), zap.String("contract", cfg.Contract.Hex())),
		sem:         semaphore.NewWeighted(1),
	}, nil
}

// Name returns the source name.
func (e *Engine) Name() string {
	return e.cfg.Name
}

// Init backfills from the starting block to latest on first run and then
// publishes InitFinished. With an existing fetched checkpoint it only
// publishes InitFinished and leaves the catch-up to live processing.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	last, ok, err := e.checkpoints.LastFetched(ctx)
	if err != nil {
		return e.fail(ctx, "checkpoint", err)
	}
	if ok {
		e.logger.Info("resume from checkpoint", zap.Uint64("last_fetched", last.Number), zap.String("hash", last.Hash))
	} else {
		e.logger.Info("first run, backfill", zap.Uint64("from", e.cfg.StartingBlock))
		if err := e.processPastEvents(ctx, Block(e.cfg.StartingBlock), Latest); err != nil {
			return err
		}
	}

	e.finishInit(ctx)
	return nil
}

// ProcessPastEvents fetches and admits every event in [from, to].
func (e *Engine) ProcessPastEvents(ctx context.Context, from, to BlockTag) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.processPastEvents(ctx, from, to)
}

func (e *Engine) processPastEvents(ctx context.Context, from, to BlockTag) error {
	head, err := e.latestHeader(ctx)
	if err != nil {
		return e.fail(ctx, "latest_block", err)
	}

	start, end := from.Number, to.Number
	if from.Latest {
		start = head.Number
	}
	if to.Latest {
		end = head.Number
	}
	if start > end {
		e.logger.Info("nothing to sync", zap.Uint64("from", start), zap.Uint64("to", end))
		return nil
	}

	ranges, err := SplitRange(start, end, e.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}

		fresh, err := e.fetch(ctx, blockRange)
		if err != nil {
			return e.fail(ctx, "filter_logs", err)
		}
		if err := e.admit(ctx, fresh, head.Number); err != nil {
			return e.fail(ctx, "admit", err)
		}

		ref := head.Ref()
		if blockRange.To != head.Number {
			header, err := e.headerWithRetry(ctx, blockRange.To)
			if err != nil {
				return e.fail(ctx, "header", err)
			}
			ref = header.Ref()
		}
		if err := e.advanceFetched(ctx, ref); err != nil {
			return e.fail(ctx, "checkpoint", err)
		}

		e.logger.Info("batch complete",
			zap.Int("events", len(fresh)),
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Uint64("blocks", blockRange.Blocks()),
		)
	}
	return nil
}

// OnNewBlock fetches the blocks since the last fetched one, admits their
// events and runs the confirmation tracker at header.
func (e *Engine) OnNewBlock(ctx context.Context, header model.BlockHeader) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	e.metrics.ChainHeadBlock.Set(float64(header.Number))

	last, ok, err := e.checkpoints.LastFetched(ctx)
	if err != nil {
		return e.fail(ctx, "checkpoint", err)
	}
	if ok && header.Number == last.Number {
		e.logger.Debug("skip duplicate block", zap.Uint64("block", header.Number))
		return nil
	}

	from := e.cfg.StartingBlock
	if ok {
		from = last.Number + 1
	}

	if header.Number >= from {
		if err := e.fetchLive(ctx, from, header); err != nil {
			return err
		}
	} else {
		e.logger.Warn("block behind fetched checkpoint", zap.Uint64("block", header.Number), zap.Uint64("last_fetched", last.Number))
	}

	if _, err := e.tracker.Run(ctx, header); err != nil {
		return e.fail(ctx, "confirm", err)
	}

	if !e.ready {
		e.finishInit(ctx)
	}
	return nil
}

// fetchLive handles [from, header]. With the reorg recheck the window
// starts at the lowest pending buffered block so dropped transactions show up.
func (e *Engine) fetchLive(ctx context.Context, from uint64, header model.BlockHeader) error {
	start := from
	if e.cfg.ReorgRecheck {
		lowest, ok, err := e.buffer.LowestPendingBlock(ctx, e.contract)
		if err != nil {
			return e.fail(ctx, "buffer", err)
		}
		if ok && lowest < start {
			start = lowest
		}
	}

	ranges, err := SplitRange(start, header.Number, e.cfg.BatchSize)
	if err != nil {
		return err
	}
	var fresh []model.RawLogEvent
	for _, blockRange := range ranges {
		batch, err := e.fetch(ctx, blockRange)
		if err != nil {
			return e.fail(ctx, "filter_logs", err)
		}
		fresh = append(fresh, batch...)
	}

	if start < from {
		missing, err := e.detector.Check(ctx, e.contract, start, from-1, fresh)
		if err != nil {
			return e.fail(ctx, "reorg", err)
		}
		for _, hash := range missing {
			e.metrics.InvalidConfirmations.WithLabelValues(e.cfg.Name, "dropped").Inc()
			e.publisher.Publish(ctx, events.InvalidConfirmation{Room: e.cfg.Name, TransactionHash: hash})
		}
	}

	if err := e.admit(ctx, fresh, header.Number); err != nil {
		return e.fail(ctx, "admit", err)
	}
	if err := e.checkpoints.SetLastFetched(ctx, header.Ref()); err != nil {
		return e.fail(ctx, "checkpoint", err)
	}

	e.logger.Debug("live fetch complete",
		zap.Uint64("from", start),
		zap.Uint64("to", header.Number),
		zap.Int("events", len(fresh)),
	)
	return nil
}

// Run initializes the engine and processes blocks from source until ctx is
// cancelled. Heads that arrive while a block is being processed collapse into
// the latest one.
func (e *Engine) Run(ctx context.Context, source *blocksource.Source) error {
	if err := e.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("init incomplete, continue in live mode", zap.Error(err))
	}

	heads := make(chan model.BlockHeader, 1)
	unsubscribe := source.Subscribe(blocksource.Listener{
		OnBlock: func(header model.BlockHeader) {
			select {
			case heads <- header:
			default:
				select {
				case <-heads:
				default:
				}
				select {
				case heads <- header:
				default:
				}
			}
		},
		OnError: func(err error) {
			e.metrics.FetchErrors.WithLabelValues(e.cfg.Name, "block_source").Inc()
			e.publisher.Publish(ctx, events.Error{Room: e.cfg.Name, Err: err})
		},
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case header := <-heads:
			if err := e.OnNewBlock(ctx, header); err != nil && ctx.Err() == nil {
				e.logger.Warn("new block processing failed", zap.Uint64("block", header.Number), zap.Error(err))
			}
		}
	}
}

// advanceFetched never moves the fetched checkpoint backwards.
func (e *Engine) advanceFetched(ctx context.Context, ref model.BlockRef) error {
	last, ok, err := e.checkpoints.LastFetched(ctx)
	if err != nil {
		return err
	}
	if ok && last.Number >= ref.Number {
		return nil
	}
	return e.checkpoints.SetLastFetched(ctx, ref)
}

func (e *Engine) finishInit(ctx context.Context) {
	e.ready = true
	e.logger.Info("init finished")
	e.publisher.Publish(ctx, events.InitFinished{Room: e.cfg.Name})
}

func (e *Engine) fetch(ctx context.Context, blockRange BlockRange) ([]model.RawLogEvent, error) {
	e.logger.Debug("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

	var logs []types.Log
	err := withRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = e.chain.FilterLogs(ctx, blockRange.From, blockRange.To, []common.Address{e.cfg.Contract}, e.topics)
		if err != nil {
			e.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
	}

	e.metrics.LogsFetched.WithLabelValues(e.cfg.Name).Add(float64(len(logs)))
	return decodeLogs(e.decoder, logs, e.logger), nil
}

func (e *Engine) latestHeader(ctx context.Context) (model.BlockHeader, error) {
	var header model.BlockHeader
	err := withRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		header, err = e.chain.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return model.BlockHeader{}, fmt.Errorf("latest header: %w", err)
	}
	return header, nil
}

func (e *Engine) headerWithRetry(ctx context.Context, number uint64) (model.BlockHeader, error) {
	var header model.BlockHeader
	err := withRetry(ctx, e.cfg.MaxRetries, e.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		header, err = e.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return model.BlockHeader{}, fmt.Errorf("header %d: %w", number, err)
	}
	return header, nil
}

// fail logs err, counts it and publishes it as an Error signal.
func (e *Engine) fail(ctx context.Context, operation string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	e.metrics.FetchErrors.WithLabelValues(e.cfg.Name, operation).Inc()
	e.logger.Error("pipeline error", zap.String("operation", operation), zap.Error(err))
	e.publisher.Publish(ctx, events.Error{Room: e.cfg.Name, Err: err})
	return err
}
