// Package checkpoint persists per-source block progress in a key/value store.
//
// Each source owns two block references: how far log queries have progressed
// (fetched) and how far confirmed emission has progressed (processed). The
// processed number never decreases.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"eventcache/internal/model"
)

const (
	fieldFetchedNumber   = "lastFetchedBlockNumber"
	fieldFetchedHash     = "lastFetchedBlockHash"
	fieldProcessedNumber = "lastProcessedBlockNumber"
	fieldProcessedHash   = "lastProcessedBlockHash"
)

// KV is a durable string key/value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Store reads and writes the checkpoint of one logical source.
type Store struct {
	kv     KV
	source string
	mu     sync.Mutex
}

func NewStore(kv KV, source string) *Store {
	return &Store{kv: kv, source: source}
}

// Source returns the logical source name.
func (s *Store) Source() string {
	return s.source
}

func (s *Store) key(field string) string {
	return s.source + "." + field
}

// LastFetched returns how far raw log queries have progressed.
func (s *Store) LastFetched(ctx context.Context) (model.BlockRef, bool, error) {
	return s.load(ctx, fieldFetchedNumber, fieldFetchedHash)
}

// SetLastFetched overwrites the fetched reference.
func (s *Store) SetLastFetched(ctx context.Context, ref model.BlockRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, fieldFetchedNumber, fieldFetchedHash, ref)
}

// LastProcessed returns how far confirmed emission has progressed.
func (s *Store) LastProcessed(ctx context.Context) (model.BlockRef, bool, error) {
	return s.load(ctx, fieldProcessedNumber, fieldProcessedHash)
}

// SetLastProcessedIfHigher advances the processed reference. A number lower
// than the stored one is ignored and reported as false.
func (s *Store) SetLastProcessedIfHigher(ctx context.Context, ref model.BlockRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.load(ctx, fieldProcessedNumber, fieldProcessedHash)
	if err != nil {
		return false, err
	}
	if ok && ref.Number < current.Number {
		return false, nil
	}
	if err := s.save(ctx, fieldProcessedNumber, fieldProcessedHash, ref); err != nil {
		return false, err
	}
	return true, nil
}

// Load returns both references.
func (s *Store) Load(ctx context.Context) (model.Checkpoint, error) {
	var cp model.Checkpoint
	fetched, ok, err := s.LastFetched(ctx)
	if err != nil {
		return cp, err
	}
	if ok {
		cp.LastFetched = &fetched
	}
	processed, ok, err := s.LastProcessed(ctx)
	if err != nil {
		return cp, err
	}
	if ok {
		cp.LastProcessed = &processed
	}
	return cp, nil
}

func (s *Store) load(ctx context.Context, numberField, hashField string) (model.BlockRef, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.key(numberField))
	if err != nil {
		return model.BlockRef{}, false, fmt.Errorf("get %s: %w", s.key(numberField), err)
	}
	if !ok {
		return model.BlockRef{}, false, nil
	}
	number, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return model.BlockRef{}, false, fmt.Errorf("parse %s: %w", s.key(numberField), err)
	}
	hash, _, err := s.kv.Get(ctx, s.key(hashField))
	if err != nil {
		return model.BlockRef{}, false, fmt.Errorf("get %s: %w", s.key(hashField), err)
	}
	return model.BlockRef{Number: number, Hash: hash}, true, nil
}

// save writes the hash before the number.
func (s *Store) save(ctx context.Context, numberField, hashField string, ref model.BlockRef) error {
	if err := s.kv.Set(ctx, s.key(hashField), ref.Hash); err != nil {
		return fmt.Errorf("set %s: %w", s.key(hashField), err)
	}
	if err := s.kv.Set(ctx, s.key(numberField), strconv.FormatUint(ref.Number, 10)); err != nil {
		return fmt.Errorf("set %s: %w", s.key(numberField), err)
	}
	return nil
}
