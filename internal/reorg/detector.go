// Package reorg cross-checks buffered transactions against a fresh log poll.
package reorg

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"eventcache/internal/model"
	"eventcache/internal/storage"
)

// MissingTransactions returns the hashes of buffered rows that the fresh
// poll no longer contains, sorted and without duplicates.
func MissingTransactions(fresh []model.RawLogEvent, buffered []model.BufferedEvent) []string {
	seen := make(map[string]struct{}, len(fresh))
	for _, event := range fresh {
		seen[event.TransactionHash] = struct{}{}
	}

	missing := make(map[string]struct{})
	for _, row := range buffered {
		if _, ok := seen[row.TransactionHash]; !ok {
			missing[row.TransactionHash] = struct{}{}
		}
	}

	out := make([]string, 0, len(missing))
	for hash := range missing {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

// Detector compares refetched windows with the buffer of one scope.
type Detector struct {
	buffer storage.EventBuffer
	logger *zap.Logger
}

func NewDetector(buffer storage.EventBuffer, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{buffer: buffer, logger: logger}
}

// Check reports buffered transactions in [from, to] that are absent from
// fresh. Rows are not deleted here.
func (d *Detector) Check(ctx context.Context, contract string, from, to uint64, fresh []model.RawLogEvent) ([]string, error) {
	if from > to {
		return nil, nil
	}
	buffered, err := d.buffer.ListInRange(ctx, contract, from, to)
	if err != nil {
		return nil, fmt.Errorf("list buffered window: %w", err)
	}
	missing := MissingTransactions(fresh, buffered)
	if len(missing) > 0 {
		d.logger.Warn("buffered transactions missing from chain",
			zap.String("contract", contract),
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Strings("tx_hashes", missing),
		)
	}
	return missing, nil
}
