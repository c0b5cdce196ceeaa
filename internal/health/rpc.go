package health

import (
	"context"
	"fmt"
	"sort"

	"github.com/devblac/game-indexer/internal/chain"
)

// RPCChecker pings every configured chain endpoint.
type RPCChecker struct {
	clients map[string]chain.BlockClient
}

// NewRPCChecker creates a checker keyed by source id.
func NewRPCChecker(clients map[string]chain.BlockClient) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping fetches the latest header from each endpoint and returns the last failure.
func (c *RPCChecker) Ping(ctx context.Context) error {
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lastErr error
	for _, id := range ids {
		if _, err := c.clients[id].HeaderByNumber(ctx, nil); err != nil {
			lastErr = fmt.Errorf("source %s: %w", id, err)
		}
	}
	return lastErr
}
