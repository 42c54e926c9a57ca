package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"eventcache/internal/model"
)

const selectColumns = `
	id, block_number, transaction_hash, log_index, target_confirmation,
	contract_address, event_name, content, emitted, created_at, updated_at
`

// FindByTransactionHashes returns rows of the scope sharing any of the hashes.
func (s *Store) FindByTransactionHashes(ctx context.Context, contract string, hashes []string) ([]model.BufferedEvent, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	return s.query(ctx, `
		SELECT `+selectColumns+`
		FROM buffered_events
		WHERE contract_address = $1 AND transaction_hash = ANY($2)
		ORDER BY block_number, log_index
	`, contract, hashes)
}

// InsertBatch bulk inserts rows with their emitted flag, ignoring keys that
// already exist.
func (s *Store) InsertBatch(ctx context.Context, events []model.BufferedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO buffered_events (
				block_number, transaction_hash, log_index, target_confirmation,
				contract_address, event_name, content, emitted, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT (transaction_hash, log_index) DO NOTHING
		`,
			int64(ev.BlockNumber),
			ev.TransactionHash,
			int32(ev.LogIndex),
			int64(ev.TargetConfirmation),
			ev.ContractAddress,
			ev.EventName,
			ev.Content,
			ev.Emitted,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert buffered event: %w", err)
		}
	}
	return nil
}

// DeleteByIDs bulk deletes rows.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM buffered_events WHERE id = ANY($1)`, ids)
	return err
}

// MarkEmitted bulk flips emitted to true.
func (s *Store) MarkEmitted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE buffered_events SET emitted = TRUE, updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

// ListPending returns unemitted rows of the scope.
func (s *Store) ListPending(ctx context.Context, contract string) ([]model.BufferedEvent, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+`
		FROM buffered_events
		WHERE contract_address = $1 AND emitted = FALSE
		ORDER BY block_number, log_index
	`, contract)
}

// ListInRange returns rows of the scope in [from, to].
func (s *Store) ListInRange(ctx context.Context, contract string, from, to uint64) ([]model.BufferedEvent, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+`
		FROM buffered_events
		WHERE contract_address = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number, log_index
	`, contract, int64(from), int64(to))
}

// LowestPendingBlock returns the smallest block number among unemitted rows.
func (s *Store) LowestPendingBlock(ctx context.Context, contract string) (uint64, bool, error) {
	var lowest *int64
	row := s.pool.QueryRow(ctx, `
		SELECT MIN(block_number) FROM buffered_events
		WHERE contract_address = $1 AND emitted = FALSE
	`, contract)
	if err := row.Scan(&lowest); err != nil {
		return 0, false, err
	}
	if lowest == nil {
		return 0, false, nil
	}
	return uint64(*lowest), true, nil
}

// PurgeEmitted deletes emitted rows with block number <= atOrBelow.
func (s *Store) PurgeEmitted(ctx context.Context, contract string, atOrBelow uint64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM buffered_events
		WHERE contract_address = $1 AND emitted = TRUE AND block_number <= $2
	`, contract, int64(atOrBelow))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]model.BufferedEvent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BufferedEvent
	for rows.Next() {
		var (
			ev          model.BufferedEvent
			blockNumber int64
			logIndex    int32
			target      int64
		)
		if err := rows.Scan(
			&ev.ID,
			&blockNumber,
			&ev.TransactionHash,
			&logIndex,
			&target,
			&ev.ContractAddress,
			&ev.EventName,
			&ev.Content,
			&ev.Emitted,
			&ev.CreatedAt,
			&ev.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan buffered event: %w", err)
		}
		ev.BlockNumber = uint64(blockNumber)
		ev.LogIndex = uint(logIndex)
		ev.TargetConfirmation = uint64(target)
		out = append(out, ev)
	}
	return out, rows.Err()
}
