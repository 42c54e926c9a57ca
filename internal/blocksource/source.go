// Package blocksource produces new block headers for the pipeline.
//
// A Source runs its strategy only while it has listeners: the first
// Subscribe starts it and the last unsubscribe stops it.
package blocksource

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventcache/internal/model"
)

const (
	StrategyPolling   = "polling"
	StrategyListening = "listening"

	DefaultPollingInterval = 5 * time.Second
)

// ErrUnknownStrategy is returned by New for an unsupported strategy name.
var ErrUnknownStrategy = errors.New("unknown block source strategy")

// HeaderSource fetches block headers, nil number means latest.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (model.BlockHeader, error)
}

// HeadSubscriber additionally pushes new chain heads.
type HeadSubscriber interface {
	HeaderSource
	SubscribeNewHead(ctx context.Context, ch chan<- model.BlockHeader) (ethereum.Subscription, error)
}

// Listener receives new blocks and source errors. OnError may be nil.
type Listener struct {
	OnBlock func(header model.BlockHeader)
	OnError func(err error)
}

type strategy interface {
	run(ctx context.Context, emit func(model.BlockHeader), fail func(error))
}

type listenerEntry struct {
	id       string
	listener Listener
}

// Source fans block headers out to its listeners.
type Source struct {
	name     string
	strategy strategy
	logger   *zap.Logger

	mu        sync.Mutex
	listeners []listenerEntry
	cancel    context.CancelFunc
}

// New builds a source for the named strategy.
func New(name string, client HeadSubscriber, interval time.Duration, logger *zap.Logger) (*Source, error) {
	switch name {
	case StrategyPolling:
		return NewPolling(client, interval, logger), nil
	case StrategyListening:
		return NewSubscription(client, interval, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

func newSource(name string, s strategy, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{name: name, strategy: s, logger: logger.With(zap.String("block_source", name))}
}

// Name returns the strategy name.
func (s *Source) Name() string {
	return s.name
}

// Subscribe registers l and starts the source if it was idle. The returned
// function removes l and stops the source when no listener is left.
func (s *Source) Subscribe(l Listener) (unsubscribe func()) {
	id := uuid.NewString()

	s.mu.Lock()
	s.listeners = append(s.listeners, listenerEntry{id: id, listener: l})
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.logger.Info("block source start")
		go s.strategy.run(ctx, s.emitFunc(ctx), s.failFunc(ctx))
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

// Listening reports whether the source is running.
func (s *Source) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Source) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.listeners {
		if entry.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			break
		}
	}
	if len(s.listeners) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.logger.Info("block source stop")
	}
}

func (s *Source) snapshot(ctx context.Context) []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	out := make([]Listener, 0, len(s.listeners))
	for _, entry := range s.listeners {
		out = append(out, entry.listener)
	}
	return out
}

func (s *Source) emitFunc(ctx context.Context) func(model.BlockHeader) {
	return func(header model.BlockHeader) {
		for _, l := range s.snapshot(ctx) {
			if l.OnBlock != nil {
				l.OnBlock(header)
			}
		}
	}
}

func (s *Source) failFunc(ctx context.Context) func(error) {
	return func(err error) {
		s.logger.Warn("block source error", zap.Error(err))
		for _, l := range s.snapshot(ctx) {
			if l.OnError != nil {
				l.OnError(err)
			}
		}
	}
}
