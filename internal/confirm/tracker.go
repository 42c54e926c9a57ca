// Package confirm promotes buffered events once they reached their
// confirmation target and their transaction receipt still matches.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eventcache/internal/chain"
	"eventcache/internal/checkpoint"
	"eventcache/internal/events"
	"eventcache/internal/metrics"
	"eventcache/internal/model"
	"eventcache/internal/storage"
)

const (
	DefaultRetentionMultiplier   = 1.5
	DefaultValidationConcurrency = 8
)

// ReceiptSource fetches transaction receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash string) (chain.Receipt, error)
}

// Config scopes a tracker to one source and contract.
type Config struct {
	Source                string
	Contract              string
	Confirmations         uint64
	RetentionMultiplier   float64
	ValidationConcurrency int
}

// Result summarizes one pass.
type Result struct {
	Emitted    int
	Pending    int
	Invalid    int
	Unverified int
	Purged     int64
}

// Tracker runs the confirmation routine for one contract scope.
type Tracker struct {
	cfg         Config
	buffer      storage.EventBuffer
	receipts    ReceiptSource
	checkpoints *checkpoint.Store
	publisher   events.Publisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewTracker(
	cfg Config,
	buffer storage.EventBuffer,
	receipts ReceiptSource,
	checkpoints *checkpoint.Store,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Tracker {
	if cfg.RetentionMultiplier <= 0 {
		cfg.RetentionMultiplier = DefaultRetentionMultiplier
	}
	if cfg.ValidationConcurrency <= 0 {
		cfg.ValidationConcurrency = DefaultValidationConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Tracker{
		cfg:         cfg,
		buffer:      buffer,
		receipts:    receipts,
		checkpoints: checkpoints,
		publisher:   publisher,
		metrics:     m,
		logger:      logger.With(zap.String("source", cfg.Source)),
	}
}

// RetentionBlocks is how long emitted rows are kept: ceil(confirmations * multiplier).
func RetentionBlocks(confirmations uint64, multiplier float64) uint64 {
	return uint64(math.Ceil(float64(confirmations) * multiplier))
}

// RetentionBlocks returns the configured retention window.
func (t *Tracker) RetentionBlocks() uint64 {
	return RetentionBlocks(t.cfg.Confirmations, t.cfg.RetentionMultiplier)
}

type verdict int

const (
	verdictValid verdict = iota
	verdictInvalid
	verdictUnknown
)

type candidate struct {
	row     model.BufferedEvent
	event   model.RawLogEvent
	verdict verdict
	reason  string
	err     error
}

// Run recomputes confirmations against head for every unemitted row.
func (t *Tracker) Run(ctx context.Context, head model.BlockHeader) (Result, error) {
	var res Result

	rows, err := t.buffer.ListPending(ctx, t.cfg.Contract)
	if err != nil {
		return res, fmt.Errorf("list pending events: %w", err)
	}

	candidates := t.validate(ctx, rows)

	var (
		confirmed   []candidate
		invalidIDs  []int64
		receiptErrs []error
	)
	for _, c := range candidates {
		switch c.verdict {
		case verdictInvalid:
			res.Invalid++
			invalidIDs = append(invalidIDs, c.row.ID)
			t.metrics.InvalidConfirmations.WithLabelValues(t.cfg.Source, c.reason).Inc()
			t.logger.Warn("invalid confirmation",
				zap.String("tx_hash", c.row.TransactionHash),
				zap.Uint64("block", c.row.BlockNumber),
				zap.String("reason", c.reason),
			)
			t.publisher.Publish(ctx, events.InvalidConfirmation{Room: t.cfg.Source, TransactionHash: c.row.TransactionHash})
		case verdictUnknown:
			res.Unverified++
			receiptErrs = append(receiptErrs, c.err)
		case verdictValid:
			if c.row.Confirmed(head.Number) {
				confirmed = append(confirmed, c)
				continue
			}
			res.Pending++
			t.publisher.Publish(ctx, events.NewConfirmation{
				Room:               t.cfg.Source,
				Event:              c.event,
				TransactionHash:    c.row.TransactionHash,
				Confirmations:      c.row.Confirmations(head.Number),
				TargetConfirmation: c.row.TargetConfirmation,
			})
		}
	}

	if err := t.buffer.DeleteByIDs(ctx, invalidIDs); err != nil {
		return res, fmt.Errorf("delete invalid events: %w", err)
	}

	if len(confirmed) > 0 {
		if err := t.emit(ctx, confirmed); err != nil {
			return res, err
		}
		res.Emitted = len(confirmed)
	}

	if len(receiptErrs) > 0 {
		err := fmt.Errorf("validate receipts: %w", errors.Join(receiptErrs...))
		t.metrics.FetchErrors.WithLabelValues(t.cfg.Source, "receipt").Add(float64(len(receiptErrs)))
		t.logger.Warn("receipt validation incomplete", zap.Int("rows", len(receiptErrs)), zap.Error(err))
		t.publisher.Publish(ctx, events.Error{Room: t.cfg.Source, Err: err})
	}

	purged, err := t.Purge(ctx, head.Number)
	if err != nil {
		return res, err
	}
	res.Purged = purged

	t.metrics.PendingEvents.WithLabelValues(t.cfg.Source).Set(float64(res.Pending + res.Unverified))
	if res.Emitted > 0 || res.Invalid > 0 || res.Purged > 0 {
		t.logger.Info("confirmation pass",
			zap.Uint64("head", head.Number),
			zap.Int("emitted", res.Emitted),
			zap.Int("pending", res.Pending),
			zap.Int("invalid", res.Invalid),
			zap.Int64("purged", res.Purged),
		)
	}
	return res, nil
}

// Purge deletes emitted rows older than the retention window.
func (t *Tracker) Purge(ctx context.Context, head uint64) (int64, error) {
	retention := t.RetentionBlocks()
	if head < retention {
		return 0, nil
	}
	purged, err := t.buffer.PurgeEmitted(ctx, t.cfg.Contract, head-retention)
	if err != nil {
		return 0, fmt.Errorf("purge emitted events: %w", err)
	}
	if purged > 0 {
		t.metrics.RowsPurged.WithLabelValues(t.cfg.Source).Add(float64(purged))
	}
	return purged, nil
}

// emit publishes confirmed rows in chain order, advances the processed
// checkpoint, then marks the rows emitted.
func (t *Tracker) emit(ctx context.Context, confirmed []candidate) error {
	ids := make([]int64, 0, len(confirmed))
	var last model.BlockRef
	for _, c := range confirmed {
		t.publisher.Publish(ctx, events.NewEvent{Room: t.cfg.Source, Event: c.event})
		ids = append(ids, c.row.ID)
		if c.event.BlockNumber >= last.Number {
			last = model.BlockRef{Number: c.event.BlockNumber, Hash: c.event.BlockHash}
		}
	}

	advanced, err := t.checkpoints.SetLastProcessedIfHigher(ctx, last)
	if err != nil {
		return fmt.Errorf("advance processed checkpoint: %w", err)
	}
	if err := t.buffer.MarkEmitted(ctx, ids); err != nil {
		return fmt.Errorf("mark events emitted: %w", err)
	}

	t.metrics.EventsEmitted.WithLabelValues(t.cfg.Source).Add(float64(len(ids)))
	if advanced {
		t.metrics.LastProcessedBlock.WithLabelValues(t.cfg.Source).Set(float64(last.Number))
	}
	return nil
}

// validate checks every row against its receipt concurrently. Results keep
// the order of rows.
func (t *Tracker) validate(ctx context.Context, rows []model.BufferedEvent) []candidate {
	out := make([]candidate, len(rows))

	var g errgroup.Group
	g.SetLimit(t.cfg.ValidationConcurrency)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			out[i] = t.check(ctx, row)
			return nil
		})
	}
	// check records failures in its candidate, so no goroutine returns an error.
	_ = g.Wait()

	return out
}

func (t *Tracker) check(ctx context.Context, row model.BufferedEvent) candidate {
	c := candidate{row: row}

	event, err := row.Decode()
	if err != nil {
		c.verdict, c.reason = verdictInvalid, "content"
		return c
	}
	c.event = event

	receipt, err := t.receipts.TransactionReceipt(ctx, row.TransactionHash)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		c.verdict, c.reason = verdictInvalid, "missing_receipt"
	case err != nil:
		c.verdict, c.err = verdictUnknown, err
	case !receipt.Success:
		c.verdict, c.reason = verdictInvalid, "reverted"
	case receipt.BlockNumber != row.BlockNumber:
		c.verdict, c.reason = verdictInvalid, "block_mismatch"
	default:
		c.verdict = verdictValid
	}
	return c
}
