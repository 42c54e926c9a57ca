package blocksource

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eventcache/internal/model"
)

type polling struct {
	client   HeaderSource
	interval time.Duration
}

// NewPolling returns a source that asks for the latest header every interval
// and emits it when the block number changed.
func NewPolling(client HeaderSource, interval time.Duration, logger *zap.Logger) *Source {
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	return newSource(StrategyPolling, &polling{client: client, interval: interval}, logger)
}

func (p *polling) run(ctx context.Context, emit func(model.BlockHeader), fail func(error)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var (
		last uint64
		seen bool
	)
	for {
		header, err := p.client.HeaderByNumber(ctx, nil)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			fail(fmt.Errorf("poll latest block: %w", err))
		case !seen || header.Number != last:
			seen = true
			last = header.Number
			emit(header)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
