package storage

import (
	"context"

	"eventcache/internal/model"
)

// EventBuffer is the relational table of fetched but not finally emitted
// events. Rows are scoped by contract address. (TransactionHash, LogIndex)
// is unique; inserting an existing key is a no-op.
type EventBuffer interface {
	// FindByTransactionHashes returns rows of the scope sharing any of the hashes.
	FindByTransactionHashes(ctx context.Context, contract string, hashes []string) ([]model.BufferedEvent, error)

	// InsertBatch bulk inserts new rows, keeping their emitted flag.
	InsertBatch(ctx context.Context, events []model.BufferedEvent) error

	// DeleteByIDs bulk deletes rows.
	DeleteByIDs(ctx context.Context, ids []int64) error

	// MarkEmitted bulk flips emitted to true.
	MarkEmitted(ctx context.Context, ids []int64) error

	// ListPending returns unemitted rows ordered by block number and log index.
	ListPending(ctx context.Context, contract string) ([]model.BufferedEvent, error)

	// ListInRange returns rows, emitted or not, with block number in [from, to].
	ListInRange(ctx context.Context, contract string, from, to uint64) ([]model.BufferedEvent, error)

	// LowestPendingBlock returns the smallest block number among unemitted rows.
	LowestPendingBlock(ctx context.Context, contract string) (uint64, bool, error)

	// PurgeEmitted deletes emitted rows with block number <= atOrBelow.
	PurgeEmitted(ctx context.Context, contract string, atOrBelow uint64) (int64, error)
}
