package reorg

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/storage"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrDiverged signals that an incoming block does not extend the recorded chain.
	ErrDiverged = errors.New("chain diverged")
	// ErrReorgDepthExceeded signals a fork below the retained block hashes; a full resync is required.
	ErrReorgDepthExceeded = errors.New("reorg depth exceeded retained history")
)

// State of the coordinator for the tracked chain head.
type State int

const (
	Synced State = iota
	Diverged
)

func (s State) String() string {
	if s == Diverged {
		return "DIVERGED"
	}
	return "SYNCED"
}

// Headers returns canonical headers by height.
type Headers interface {
	Header(ctx context.Context, n uint64) (*types.Header, error)
}

// Ledger is the part of the event store the coordinator rolls back and replays.
type Ledger interface {
	BlockHash(ctx context.Context, n uint64) (common.Hash, bool, error)
	EarliestBlock(ctx context.Context) (uint64, bool, error)
	LatestBlock(ctx context.Context) (uint64, bool, error)
	RollbackAfter(ctx context.Context, sourceID string, height uint64) error
	Iterate(ctx context.Context, from, to uint64) iter.Seq2[event.Event, error]
}

// Projection is rebuilt from the surviving log after a rollback.
type Projection interface {
	RebuildBelow(events iter.Seq2[event.Event, error], ceiling uint64) (projection.RebuildStats, error)
	Reset()
}

// Reorg describes one handled reorganization.
type Reorg struct {
	Ancestor   uint64
	ForkBlock  uint64 // first height whose recorded hash was replaced
	Depth      uint64 // recorded blocks rolled back
	Replaced   common.Hash
	Canonical  common.Hash
	DetectedAt time.Time
	Rebuild    projection.RebuildStats
}

// Coordinator detects forks and restores the event store and projection to the common ancestor.
type Coordinator struct {
	sourceID string
	headers  Headers
	ledger   Ledger
	proj     Projection
	log      *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	state State
	last  *Reorg

	// set while the store has been rolled back but the projection not yet rebuilt
	pending   bool
	pendingAt uint64
}

// NewCoordinator builds a coordinator for one source.
func NewCoordinator(sourceID string, headers Headers, ledger Ledger, proj Projection, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		sourceID: sourceID,
		headers:  headers,
		ledger:   ledger,
		proj:     proj,
		log:      log,
		now:      time.Now,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastReorg returns the most recent reorg handled, if any.
func (c *Coordinator) LastReorg() (Reorg, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Reorg{}, false
	}
	return *c.last, true
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// MarkSynced records that a block extending the canonical chain was appended.
// It has no effect while a rebuild is pending.
func (c *Coordinator) MarkSynced() {
	c.mu.Lock()
	if !c.pending {
		c.state = Synced
	}
	c.mu.Unlock()
}

// RebuildPending reports whether a rollback committed without a successful rebuild.
func (c *Coordinator) RebuildPending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// Resume retries the projection rebuild left pending by a failed Reconcile.
// Nothing may be appended to the store until it returns nil.
func (c *Coordinator) Resume(ctx context.Context) error {
	c.mu.RLock()
	pending, ancestor := c.pending, c.pendingAt
	c.mu.RUnlock()
	if !pending {
		return nil
	}
	stats, err := c.rebuild(ctx, ancestor)
	if err != nil {
		return err
	}
	c.log.Info("projection rebuilt after rollback", "source", c.sourceID, "ancestor", ancestor, "replayed", stats.Applied)
	return nil
}

// rebuild replays the surviving log with the watermark capped at ancestor. On failure the
// projection is emptied so no orphaned row stays visible, and the rebuild is left pending.
func (c *Coordinator) rebuild(ctx context.Context, ancestor uint64) (projection.RebuildStats, error) {
	stats, err := c.proj.RebuildBelow(c.ledger.Iterate(ctx, 0, storage.Unbounded), ancestor)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.proj.Reset()
		c.pending, c.pendingAt, c.state = true, ancestor, Diverged
		return stats, fmt.Errorf("rebuild after rollback to %d: %w", ancestor, err)
	}
	c.pending = false
	return stats, nil
}

// Check verifies that header extends the recorded chain. It must run before the block is appended.
func (c *Coordinator) Check(ctx context.Context, header *types.Header) error {
	n := header.Number.Uint64()
	if n == 0 {
		return nil
	}
	recorded, ok, err := c.ledger.BlockHash(ctx, n-1)
	if err != nil {
		return err
	}
	if !ok || recorded == header.ParentHash {
		return nil
	}
	c.setState(Diverged)
	return fmt.Errorf("%w at block %d: parent %s, recorded %s", ErrDiverged, n, header.ParentHash.Hex(), recorded.Hex())
}

// CheckTip verifies that the recorded block at height is still canonical. It catches
// forks that replace the tip without the chain growing past it.
func (c *Coordinator) CheckTip(ctx context.Context, height uint64) error {
	recorded, ok, err := c.ledger.BlockHash(ctx, height)
	if err != nil || !ok {
		return err
	}
	canonical, err := c.headers.Header(ctx, height)
	switch {
	case errors.Is(err, ethereum.NotFound):
		c.setState(Diverged)
		return fmt.Errorf("%w at block %d: no longer on the canonical chain", ErrDiverged, height)
	case err != nil:
		return err
	case canonical.Hash() == recorded:
		return nil
	}
	c.setState(Diverged)
	return fmt.Errorf("%w at block %d: canonical %s, recorded %s", ErrDiverged, height, canonical.Hash().Hex(), recorded.Hex())
}

// Reconcile finds the common ancestor of the recorded chain and the canonical chain,
// rolls the event store back to it, and rebuilds the projection from the surviving log.
// header is the block that revealed the divergence. The projection is discarded and
// replayed rather than un-applied.
func (c *Coordinator) Reconcile(ctx context.Context, header *types.Header) (Reorg, error) {
	c.setState(Diverged)

	earliest, ok, err := c.ledger.EarliestBlock(ctx)
	if err != nil {
		return Reorg{}, err
	}
	if !ok {
		return Reorg{}, fmt.Errorf("no recorded blocks: %w", ErrReorgDepthExceeded)
	}
	latest, _, err := c.ledger.LatestBlock(ctx)
	if err != nil {
		return Reorg{}, err
	}

	r, err := c.findAncestor(ctx, latest, earliest)
	if err != nil {
		return Reorg{}, err
	}
	r.Depth = latest - r.Ancestor
	r.DetectedAt = c.now().UTC()

	if err := c.ledger.RollbackAfter(ctx, c.sourceID, r.Ancestor); err != nil {
		return Reorg{}, fmt.Errorf("rollback to %d: %w", r.Ancestor, err)
	}
	r.Rebuild, err = c.rebuild(ctx, r.Ancestor)
	if err != nil {
		return Reorg{}, err
	}

	c.mu.Lock()
	c.last = &r
	c.mu.Unlock()

	c.log.Warn("reorg handled",
		"source", c.sourceID,
		"trigger_block", header.Number.Uint64(),
		"ancestor", r.Ancestor,
		"depth", r.Depth,
		"replaced", r.Replaced.Hex(),
		"canonical", r.Canonical.Hex(),
		"replayed", r.Rebuild.Applied,
	)
	return r, nil
}

// findAncestor walks down from height until the recorded hash matches the canonical one.
func (c *Coordinator) findAncestor(ctx context.Context, height, earliest uint64) (Reorg, error) {
	var r Reorg
	for k := height; ; k-- {
		if k < earliest {
			return Reorg{}, fmt.Errorf("fork below block %d: %w", earliest, ErrReorgDepthExceeded)
		}
		recorded, ok, err := c.ledger.BlockHash(ctx, k)
		if err != nil {
			return Reorg{}, err
		}
		if !ok {
			return Reorg{}, fmt.Errorf("block %d not retained: %w", k, ErrReorgDepthExceeded)
		}
		canonical, err := c.headers.Header(ctx, k)
		switch {
		case errors.Is(err, ethereum.NotFound):
			// the new chain is shorter than the recorded one
			r.Replaced, r.Canonical = recorded, common.Hash{}
		case err != nil:
			return Reorg{}, err
		case canonical.Hash() == recorded:
			r.Ancestor = k
			r.ForkBlock = k + 1
			return r, nil
		default:
			r.Replaced, r.Canonical = recorded, canonical.Hash()
		}
		if k == 0 {
			return Reorg{}, fmt.Errorf("genesis differs: %w", ErrReorgDepthExceeded)
		}
	}
}
