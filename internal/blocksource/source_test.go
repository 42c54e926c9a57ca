package blocksource

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"eventcache/internal/model"
)

type fakeChain struct {
	mu      sync.Mutex
	headers []model.BlockHeader
	errs    []error
	calls   int

	heads  chan model.BlockHeader
	subErr chan error
}

func (f *fakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (model.BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return model.BlockHeader{}, f.errs[i]
	}
	if i >= len(f.headers) {
		i = len(f.headers) - 1
	}
	return f.headers[i], nil
}

func (f *fakeChain) SubscribeNewHead(_ context.Context, ch chan<- model.BlockHeader) (ethereum.Subscription, error) {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case <-quit:
				return nil
			case err := <-f.subErr:
				return err
			case h := <-f.heads:
				select {
				case ch <- h:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type collector struct {
	mu     sync.Mutex
	blocks []uint64
	errs   []error
}

func (c *collector) listener() Listener {
	return Listener{
		OnBlock: func(h model.BlockHeader) {
			c.mu.Lock()
			c.blocks = append(c.blocks, h.Number)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
	}
}

func (c *collector) snapshot() ([]uint64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.blocks...), len(c.errs)
}

func TestPollingEmitsOnlyChangedBlocks(t *testing.T) {
	chain := &fakeChain{
		headers: []model.BlockHeader{{Number: 1}, {Number: 1}, {Number: 2}, {Number: 2}, {Number: 3}},
		errs:    []error{nil, nil, errors.New("timeout")},
	}
	src := NewPolling(chain, 5*time.Millisecond, nil)

	var c collector
	unsubscribe := src.Subscribe(c.listener())
	defer unsubscribe()

	require.Eventually(t, func() bool {
		blocks, _ := c.snapshot()
		return len(blocks) == 3
	}, time.Second, 5*time.Millisecond)

	blocks, errCount := c.snapshot()
	require.Equal(t, []uint64{1, 2, 3}, blocks)
	require.Equal(t, 1, errCount)
}

func TestSourceAutoStartStop(t *testing.T) {
	chain := &fakeChain{headers: []model.BlockHeader{{Number: 10}}}
	src := NewPolling(chain, 5*time.Millisecond, nil)

	require.False(t, src.Listening())
	require.Equal(t, 0, chain.callCount())

	var a, b collector
	stopA := src.Subscribe(a.listener())
	stopB := src.Subscribe(b.listener())
	require.True(t, src.Listening())

	require.Eventually(t, func() bool { return chain.callCount() > 1 }, time.Second, 5*time.Millisecond)

	stopA()
	require.True(t, src.Listening())
	stopA()
	require.True(t, src.Listening())

	stopB()
	require.False(t, src.Listening())

	time.Sleep(20 * time.Millisecond)
	calls := chain.callCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, chain.callCount())
}

func TestSubscriptionForwardsHeads(t *testing.T) {
	chain := &fakeChain{
		headers: []model.BlockHeader{{Number: 100}},
		heads:   make(chan model.BlockHeader),
		subErr:  make(chan error, 1),
	}
	src := NewSubscription(chain, 5*time.Millisecond, nil)

	var c collector
	unsubscribe := src.Subscribe(c.listener())
	defer unsubscribe()

	require.Eventually(t, func() bool {
		blocks, _ := c.snapshot()
		return len(blocks) == 1
	}, time.Second, 5*time.Millisecond)

	chain.heads <- model.BlockHeader{Number: 101}
	chain.subErr <- errors.New("ws closed")
	chain.heads <- model.BlockHeader{Number: 102}

	require.Eventually(t, func() bool {
		blocks, errCount := c.snapshot()
		return len(blocks) == 3 && errCount == 1
	}, time.Second, 5*time.Millisecond)

	blocks, _ := c.snapshot()
	require.Equal(t, []uint64{100, 101, 102}, blocks)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New("websocket-magic", &fakeChain{}, time.Second, nil)
	require.ErrorIs(t, err, ErrUnknownStrategy)

	src, err := New(StrategyListening, &fakeChain{}, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, StrategyListening, src.Name())
}
