// Package chaintest provides an in-memory EVM chain and lottery log builders for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Chain is a linear chain that can be forked. It satisfies chain.BlockClient.
type Chain struct {
	mu      sync.Mutex
	headers []*types.Header
	logs    map[common.Hash][]types.Log
	salt    byte
	failN   int
	failErr error
}

// New returns a chain holding only the genesis block.
func New() *Chain {
	c := &Chain{logs: map[common.Hash][]types.Log{}}
	c.headers = append(c.headers, &types.Header{Number: big.NewInt(0), Time: 0})
	return c
}

// Mine appends a block containing logs in order; log indexes are assigned here.
func (c *Chain) Mine(logs ...types.Log) *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent := c.headers[len(c.headers)-1]
	n := parent.Number.Uint64() + 1
	h := &types.Header{
		Number:     new(big.Int).SetUint64(n),
		ParentHash: parent.Hash(),
		Time:       n * 12,
		Extra:      []byte{c.salt},
	}
	hash := h.Hash()
	stamped := make([]types.Log, len(logs))
	for i, l := range logs {
		l.BlockNumber = n
		l.BlockHash = hash
		l.Index = uint(i)
		if l.TxHash == (common.Hash{}) {
			l.TxHash = common.BigToHash(new(big.Int).SetUint64(n*1000 + uint64(i) + uint64(c.salt)*1_000_000))
		}
		stamped[i] = l
	}
	c.headers = append(c.headers, h)
	c.logs[hash] = stamped
	return h
}

// MineEmpty appends n blocks without logs.
func (c *Chain) MineEmpty(n int) {
	for i := 0; i < n; i++ {
		c.Mine()
	}
}

// Fork drops every block above height and makes later blocks hash differently.
func (c *Chain) Fork(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height+1 < uint64(len(c.headers)) {
		c.headers = c.headers[:height+1]
	}
	c.salt++
}

// FailNext makes the next n calls return err.
func (c *Chain) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failN = n
	c.failErr = err
}

func (c *Chain) failure() error {
	if c.failN > 0 {
		c.failN--
		return c.failErr
	}
	return nil
}

// Head returns the current head height.
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.headers) - 1)
}

func (c *Chain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure(); err != nil {
		return nil, err
	}
	if number == nil {
		return types.CopyHeader(c.headers[len(c.headers)-1]), nil
	}
	n := number.Uint64()
	if n >= uint64(len(c.headers)) {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(c.headers[n]), nil
}

func (c *Chain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure(); err != nil {
		return nil, err
	}
	if q.BlockHash == nil {
		return nil, fmt.Errorf("chaintest: only block hash queries are supported")
	}
	out := []types.Log{}
	for _, l := range c.logs[*q.BlockHash] {
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

// Logs builds ABI-encoded lottery logs for one contract address.
type Logs struct {
	ABI      *abi.ABI
	Contract common.Address
}

func (b Logs) pack(name string, args ...any) types.Log {
	ev, ok := b.ABI.Events[name]
	if !ok {
		panic("chaintest: unknown event " + name)
	}
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(fmt.Sprintf("chaintest: pack %s: %v", name, err))
	}
	return types.Log{Address: b.Contract, Topics: []common.Hash{ev.ID}, Data: data}
}

func (b Logs) GameStarted(gameID int64, maxPlayers uint8, entryFee int64) types.Log {
	return b.pack("GameStarted", big.NewInt(gameID), maxPlayers, big.NewInt(entryFee))
}

func (b Logs) PlayerJoined(gameID int64, player common.Address) types.Log {
	return b.pack("PlayerJoined", big.NewInt(gameID), player)
}

func (b Logs) GameEnded(gameID int64, winner common.Address, requestID common.Hash) types.Log {
	return b.pack("GameEnded", big.NewInt(gameID), winner, [32]byte(requestID))
}

func (b Logs) OwnershipTransferred(prev, next common.Address) types.Log {
	ev := b.ABI.Events["OwnershipTransferred"]
	return types.Log{
		Address: b.Contract,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(common.LeftPadBytes(prev.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(next.Bytes(), 32)),
		},
	}
}
