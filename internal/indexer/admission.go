package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"eventcache/internal/events"
	"eventcache/internal/model"
)

type eventKey struct {
	txHash   string
	logIndex uint
}

// admit routes a fetched batch at head current. Without confirmations every
// event is emitted at once. Otherwise events already deep enough are emitted,
// and those still inside the retention window are first recorded as emitted
// rows; the rest are buffered. Rows the buffer already
// holds for the same (tx hash, log index) are reconciled first: unemitted rows
// are replaced by the fresh event and emitted rows drop the fresh event.
func (e *Engine) admit(ctx context.Context, batch []model.RawLogEvent, current uint64) error {
	if len(batch) == 0 {
		return nil
	}

	if e.cfg.Confirmations == 0 {
		return e.emitNow(ctx, batch)
	}

	batch, err := e.reconcile(ctx, batch)
	if err != nil {
		return err
	}

	var deep, recent []model.RawLogEvent
	for _, event := range batch {
		if current >= e.cfg.Confirmations && event.BlockNumber <= current-e.cfg.Confirmations {
			deep = append(deep, event)
		} else {
			recent = append(recent, event)
		}
	}

	if len(deep) > 0 {
		if err := e.insert(ctx, e.retained(deep, current), true); err != nil {
			return err
		}
		if err := e.emitNow(ctx, deep); err != nil {
			return err
		}
	}
	if len(recent) > 0 {
		if err := e.insert(ctx, recent, false); err != nil {
			return err
		}
		e.metrics.EventsBuffered.WithLabelValues(e.cfg.Name).Add(float64(len(recent)))
	}

	e.logger.Debug("batch admitted", zap.Int("emitted", len(deep)), zap.Int("buffered", len(recent)))
	return nil
}

// reconcile applies the re-emission rule and returns the events to keep.
func (e *Engine) reconcile(ctx context.Context, batch []model.RawLogEvent) ([]model.RawLogEvent, error) {
	hashes := make([]string, 0, len(batch))
	logIndexes := make(map[string][]uint, len(batch))
	for _, event := range batch {
		if _, ok := logIndexes[event.TransactionHash]; !ok {
			hashes = append(hashes, event.TransactionHash)
		}
		logIndexes[event.TransactionHash] = append(logIndexes[event.TransactionHash], event.LogIndex)
	}

	existing, err := e.buffer.FindByTransactionHashes(ctx, e.contract, hashes)
	if err != nil {
		return nil, fmt.Errorf("find buffered events: %w", err)
	}
	if len(existing) == 0 {
		return batch, nil
	}

	var stale []int64
	final := make(map[eventKey]struct{})
	for _, row := range existing {
		if !containsIndex(logIndexes[row.TransactionHash], row.LogIndex) {
			continue
		}
		if row.Emitted {
			final[eventKey{txHash: row.TransactionHash, logIndex: row.LogIndex}] = struct{}{}
			continue
		}
		stale = append(stale, row.ID)
	}

	if err := e.buffer.DeleteByIDs(ctx, stale); err != nil {
		return nil, fmt.Errorf("delete stale events: %w", err)
	}

	kept := make([]model.RawLogEvent, 0, len(batch))
	for _, event := range batch {
		if _, done := final[eventKey{txHash: event.TransactionHash, logIndex: event.LogIndex}]; done {
			continue
		}
		kept = append(kept, event)
	}

	if len(stale) > 0 || len(kept) != len(batch) {
		e.logger.Info("re-emitted events reconciled",
			zap.Int("replaced", len(stale)),
			zap.Int("dropped", len(batch)-len(kept)),
		)
	}
	return kept, nil
}

// emitNow publishes events in order and advances the processed checkpoint.
func (e *Engine) emitNow(ctx context.Context, batch []model.RawLogEvent) error {
	var last model.BlockRef
	for _, event := range batch {
		e.publisher.Publish(ctx, events.NewEvent{Room: e.cfg.Name, Event: event})
		if event.BlockNumber >= last.Number {
			last = model.BlockRef{Number: event.BlockNumber, Hash: event.BlockHash}
		}
	}
	advanced, err := e.checkpoints.SetLastProcessedIfHigher(ctx, last)
	if err != nil {
		return fmt.Errorf("advance processed checkpoint: %w", err)
	}
	e.metrics.EventsEmitted.WithLabelValues(e.cfg.Name).Add(float64(len(batch)))
	if advanced {
		e.metrics.LastProcessedBlock.WithLabelValues(e.cfg.Name).Set(float64(last.Number))
	}
	return nil
}

// retained keeps the events a later recheck window can still reach, those
// above current minus the retention window.
func (e *Engine) retained(batch []model.RawLogEvent, current uint64) []model.RawLogEvent {
	retention := e.tracker.RetentionBlocks()
	if current < retention {
		return batch
	}
	out := make([]model.RawLogEvent, 0, len(batch))
	for _, event := range batch {
		if event.BlockNumber > current-retention {
			out = append(out, event)
		}
	}
	return out
}

func (e *Engine) insert(ctx context.Context, batch []model.RawLogEvent, emitted bool) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]model.BufferedEvent, 0, len(batch))
	for _, event := range batch {
		row, err := model.NewBufferedEvent(event, e.contract, e.cfg.Confirmations)
		if err != nil {
			return err
		}
		row.Emitted = emitted
		rows = append(rows, row)
	}
	if err := e.buffer.InsertBatch(ctx, rows); err != nil {
		return fmt.Errorf("insert buffered events: %w", err)
	}
	return nil
}

func containsIndex(indexes []uint, index uint) bool {
	for _, candidate := range indexes {
		if candidate == index {
			return true
		}
	}
	return false
}
