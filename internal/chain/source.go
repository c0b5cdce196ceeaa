package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockClient captures the subset of ethclient used by the log source.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Source delivers headers and the lottery contract's logs block by block.
type Source struct {
	client   BlockClient
	contract common.Address
}

// NewSource builds a log source for one contract address.
func NewSource(client BlockClient, contract common.Address) *Source {
	return &Source{client: client, contract: contract}
}

// Latest returns the chain head header.
func (s *Source) Latest(ctx context.Context) (*types.Header, error) {
	h, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	return h, nil
}

// Header returns the canonical header at height n.
func (s *Source) Header(ctx context.Context, n uint64) (*types.Header, error) {
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", n, err)
	}
	return h, nil
}

// Logs returns the contract's logs for exactly the given block, ordered by log index.
// Querying by block hash pins the result to that header even if the head moves.
func (s *Source) Logs(ctx context.Context, header *types.Header) ([]RawLog, error) {
	hash := header.Hash()
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: []common.Address{s.contract},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d: %w", header.Number.Uint64(), err)
	}

	out := make([]RawLog, 0, len(logs))
	for _, l := range logs {
		if l.Removed || l.Address != s.contract {
			continue
		}
		raw := FromTypesLog(l, header.Time)
		raw.BlockNumber = header.Number.Uint64()
		raw.BlockHash = hash
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogIndex < out[j].LogIndex })
	return out, nil
}
