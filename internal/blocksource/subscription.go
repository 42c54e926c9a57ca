package blocksource

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eventcache/internal/model"
)

type subscription struct {
	client    HeadSubscriber
	retryWait time.Duration
}

// NewSubscription returns a source that emits the latest header on start and
// then forwards pushed chain heads. A failed subscription is re-established
// after retryWait.
func NewSubscription(client HeadSubscriber, retryWait time.Duration, logger *zap.Logger) *Source {
	if retryWait <= 0 {
		retryWait = DefaultPollingInterval
	}
	return newSource(StrategyListening, &subscription{client: client, retryWait: retryWait}, logger)
}

func (s *subscription) run(ctx context.Context, emit func(model.BlockHeader), fail func(error)) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		fail(fmt.Errorf("get latest block: %w", err))
	} else {
		emit(header)
	}

	for {
		if err := s.listen(ctx, emit); err != nil {
			fail(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryWait):
		}
	}
}

func (s *subscription) listen(ctx context.Context, emit func(model.BlockHeader)) error {
	heads := make(chan model.BlockHeader)
	sub, err := s.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return fmt.Errorf("new heads subscription closed")
			}
			return fmt.Errorf("new heads subscription: %w", err)
		case header := <-heads:
			emit(header)
		}
	}
}
