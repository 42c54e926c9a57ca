package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"eventcache/internal/model"
)

// ErrNotFound is returned when the node has no data for the request.
var ErrNotFound = ethereum.NotFound

// Receipt is the part of a transaction receipt used for validation.
type Receipt struct {
	TransactionHash string
	BlockNumber     uint64
	BlockHash       string
	Success         bool
}

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
}

// NewClient creates a new chain client from the RPC URL. Push subscriptions
// need a websocket or IPC endpoint.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// HeaderByNumber returns the block header by number, nil means latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (model.BlockHeader, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, number)
	if err != nil {
		return model.BlockHeader{}, err
	}
	return ToBlockHeader(header), nil
}

// SubscribeNewHead forwards new chain heads to ch until the subscription ends.
func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- model.BlockHeader) (ethereum.Subscription, error) {
	heads := make(chan *types.Header)
	sub, err := c.ethClient.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, err
	}
	return forwardHeads(sub, heads, ch), nil
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// TransactionReceipt returns the receipt of a mined transaction. ErrNotFound
// means the transaction is not part of the canonical chain.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (Receipt, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return Receipt{}, ErrNotFound
	}
	return Receipt{
		TransactionHash: receipt.TxHash.Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		BlockHash:       receipt.BlockHash.Hex(),
		Success:         receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

// ToBlockHeader converts a go-ethereum header.
func ToBlockHeader(header *types.Header) model.BlockHeader {
	if header == nil {
		return model.BlockHeader{}
	}
	var number uint64
	if header.Number != nil {
		number = header.Number.Uint64()
	}
	return model.BlockHeader{
		Number:     number,
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  header.Time,
	}
}
