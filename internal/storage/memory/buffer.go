package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"eventcache/internal/model"
)

type rowKey struct {
	txHash   string
	logIndex uint
}

// Buffer is an in-memory storage.EventBuffer.
type Buffer struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]model.BufferedEvent
	keys   map[rowKey]int64
	now    func() time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{
		rows: make(map[int64]model.BufferedEvent),
		keys: make(map[rowKey]int64),
		now:  time.Now,
	}
}

func (b *Buffer) FindByTransactionHashes(_ context.Context, contract string, hashes []string) ([]model.BufferedEvent, error) {
	wanted := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		wanted[hash] = struct{}{}
	}
	return b.filter(func(row model.BufferedEvent) bool {
		_, ok := wanted[row.TransactionHash]
		return ok && row.ContractAddress == contract
	}), nil
}

func (b *Buffer) InsertBatch(_ context.Context, batch []model.BufferedEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, row := range batch {
		key := rowKey{txHash: row.TransactionHash, logIndex: row.LogIndex}
		if _, exists := b.keys[key]; exists {
			continue
		}
		b.nextID++
		row.ID = b.nextID
		row.CreatedAt = now
		row.UpdatedAt = now
		b.rows[row.ID] = row
		b.keys[key] = row.ID
	}
	return nil
}

func (b *Buffer) DeleteByIDs(_ context.Context, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.deleteLocked(id)
	}
	return nil
}

func (b *Buffer) MarkEmitted(_ context.Context, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for _, id := range ids {
		row, ok := b.rows[id]
		if !ok {
			continue
		}
		row.Emitted = true
		row.UpdatedAt = now
		b.rows[id] = row
	}
	return nil
}

func (b *Buffer) ListPending(_ context.Context, contract string) ([]model.BufferedEvent, error) {
	return b.filter(func(row model.BufferedEvent) bool {
		return row.ContractAddress == contract && !row.Emitted
	}), nil
}

func (b *Buffer) ListInRange(_ context.Context, contract string, from, to uint64) ([]model.BufferedEvent, error) {
	return b.filter(func(row model.BufferedEvent) bool {
		return row.ContractAddress == contract && row.BlockNumber >= from && row.BlockNumber <= to
	}), nil
}

func (b *Buffer) LowestPendingBlock(ctx context.Context, contract string) (uint64, bool, error) {
	pending, _ := b.ListPending(ctx, contract)
	if len(pending) == 0 {
		return 0, false, nil
	}
	return pending[0].BlockNumber, true, nil
}

func (b *Buffer) PurgeEmitted(_ context.Context, contract string, atOrBelow uint64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var purged int64
	for id, row := range b.rows {
		if row.ContractAddress == contract && row.Emitted && row.BlockNumber <= atOrBelow {
			b.deleteLocked(id)
			purged++
		}
	}
	return purged, nil
}

// All returns every row ordered by id.
func (b *Buffer) All() []model.BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.BufferedEvent, 0, len(b.rows))
	for _, row := range b.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Buffer) deleteLocked(id int64) {
	row, ok := b.rows[id]
	if !ok {
		return
	}
	delete(b.keys, rowKey{txHash: row.TransactionHash, logIndex: row.LogIndex})
	delete(b.rows, id)
}

func (b *Buffer) filter(keep func(model.BufferedEvent) bool) []model.BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.BufferedEvent, 0)
	for _, row := range b.rows {
		if keep(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}
