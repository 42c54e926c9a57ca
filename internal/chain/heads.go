package chain

import (
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"eventcache/internal/model"
)

// forwardHeads converts raw headers until the upstream subscription ends or
// the returned subscription is unsubscribed.
func forwardHeads(upstream ethereum.Subscription, heads <-chan *types.Header, out chan<- model.BlockHeader) ethereum.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer upstream.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-upstream.Err():
				return err
			case header := <-heads:
				select {
				case out <- ToBlockHeader(header):
				case <-quit:
					return nil
				}
			}
		}
	})
}
