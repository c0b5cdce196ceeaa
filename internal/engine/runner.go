package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/devblac/game-indexer/internal/chain"
	"github.com/devblac/game-indexer/internal/config"
	"github.com/devblac/game-indexer/internal/event"
	"github.com/devblac/game-indexer/internal/metrics"
	"github.com/devblac/game-indexer/internal/notify"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/reorg"
	"github.com/devblac/game-indexer/internal/storage"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jpillora/backoff"
)

// Options tunes a Runner.
type Options struct {
	SourceID      string
	StartBlock    config.StartBlock
	Confirmations uint64
	MaxReorgDepth uint64
	BatchBlocks   uint64
	PollInterval  time.Duration
	// To stops ingestion after this height when non-zero.
	To     uint64
	DryRun bool
	Log    *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps the YAML configuration to runner options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	start, err := config.ParseStartBlock(cfg.Source.StartBlock)
	if err != nil {
		return Options{}, err
	}
	return Options{
		SourceID:      cfg.Source.ID,
		StartBlock:    start,
		Confirmations: cfg.Global.Confirmations,
		MaxReorgDepth: cfg.Global.MaxReorgDepth,
		BatchBlocks:   cfg.Global.BatchBlocks,
		PollInterval:  cfg.Global.Poll(),
	}, nil
}

// Runner is the single writer: it pulls blocks from the source, appends their events,
// and folds newly appended events into the projection.
type Runner struct {
	src   *chain.Source
	dec   *chain.Decoder
	store *storage.Store
	proj  *projection.Projector
	coord *reorg.Coordinator
	sinks map[string]notify.Sender
	opts  Options
	log   *slog.Logger
	m     *metrics.Metrics
	retry *backoff.Backoff
}

// NewRunner wires the ingestion pipeline for one source.
func NewRunner(store *storage.Store, src *chain.Source, dec *chain.Decoder, proj *projection.Projector, coord *reorg.Coordinator, sinks map[string]notify.Sender, opts Options) *Runner {
	if opts.BatchBlocks == 0 {
		opts.BatchBlocks = config.DefaultBatchBlocks
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	if opts.MaxReorgDepth == 0 {
		opts.MaxReorgDepth = config.DefaultMaxReorgDepth
	}
	if opts.MaxReorgDepth < opts.Confirmations {
		opts.MaxReorgDepth = opts.Confirmations
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		src:   src,
		dec:   dec,
		store: store,
		proj:  proj,
		coord: coord,
		sinks: sinks,
		opts:  opts,
		log:   log.With("source", opts.SourceID),
		m:     opts.Metrics,
		retry: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Recover rebuilds the projection from the event store. Call it once before ingesting.
func (r *Runner) Recover(ctx context.Context) (projection.RebuildStats, error) {
	stats, err := r.proj.Rebuild(r.store.Iterate(ctx, 0, storage.Unbounded))
	if err != nil {
		return stats, fmt.Errorf("recover projection: %w", err)
	}
	cursor, _, ok, err := r.store.GetCursor(ctx, r.opts.SourceID)
	if err != nil {
		return stats, err
	}
	if ok {
		r.proj.SetFinalized(r.finalityFor(cursor, cursor))
	}
	r.log.Info("projection recovered",
		"applied", stats.Applied,
		"decode_errors", stats.DecodeErrors,
		"aggregate_errors", stats.AggregateErrors,
		"cursor", cursor,
		"finalized", r.proj.Finalized(),
	)
	return stats, nil
}

// RunOnce processes up to BatchBlocks blocks and returns how many were appended.
// A handled reorg ends the pass early.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if err := r.coord.Resume(ctx); err != nil {
		return 0, err
	}
	head, err := r.src.Latest(ctx)
	if err != nil {
		return 0, err
	}
	headN := head.Number.Uint64()

	cursor, _, ok, err := r.store.GetCursor(ctx, r.opts.SourceID)
	if err != nil {
		return 0, err
	}
	next := r.opts.StartBlock.Resolve(headN)
	if !ok && next > 0 {
		if next-1 > headN {
			return 0, nil
		}
		if err := r.checkpoint(ctx, next-1); err != nil {
			return 0, err
		}
		cursor, ok = next-1, true
	}
	if ok {
		if err := r.coord.CheckTip(ctx, cursor); err != nil {
			if !errors.Is(err, reorg.ErrDiverged) {
				return 0, err
			}
			return 0, r.reconcile(ctx, head)
		}
		next = cursor + 1
	}

	last := headN
	if r.opts.To > 0 && r.opts.To < last {
		last = r.opts.To
	}
	if next <= last && last-next >= r.opts.BatchBlocks {
		last = next + r.opts.BatchBlocks - 1
	}

	processed := 0
	for n := next; n <= last; n++ {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		header, err := r.src.Header(ctx, n)
		if err != nil {
			return processed, err
		}
		if err := r.coord.Check(ctx, header); err != nil {
			if !errors.Is(err, reorg.ErrDiverged) {
				return processed, err
			}
			return processed, r.reconcile(ctx, header)
		}
		if err := r.processBlock(ctx, header, headN); err != nil {
			return processed, err
		}
		processed++
	}

	if ok || processed > 0 {
		r.advanceFinality(ctx, headN)
	}
	return processed, nil
}

// checkpoint records the hash of the block below the start height so a fork of the
// first indexed block still finds a common ancestor.
func (r *Runner) checkpoint(ctx context.Context, n uint64) error {
	header, err := r.src.Header(ctx, n)
	if err != nil {
		return err
	}
	_, err = r.store.AppendBlock(ctx, r.opts.SourceID, storage.BlockRecord{
		Number:     n,
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
	}, nil)
	if err != nil {
		return fmt.Errorf("record start checkpoint %d: %w", n, err)
	}
	r.log.Info("recorded start checkpoint", "block", n, "hash", header.Hash().Hex())
	return nil
}

func (r *Runner) reconcile(ctx context.Context, header *types.Header) error {
	rg, err := r.coord.Reconcile(ctx, header)
	if err != nil {
		return err
	}
	r.m.Reorg()
	r.m.Watermarks(rg.Ancestor, r.proj.Finalized())
	return nil
}

func (r *Runner) processBlock(ctx context.Context, header *types.Header, headN uint64) error {
	n := header.Number.Uint64()
	raws, err := r.src.Logs(ctx, header)
	if err != nil {
		return err
	}
	decoded, err := r.dec.DecodeAll(ctx, raws)
	if err != nil {
		return err
	}
	events := make([]event.Event, 0, len(decoded))
	for _, d := range decoded {
		if d.Err != nil {
			r.m.DecodeError()
			r.log.Warn("skip undecodable log", "block", n, "tx", d.Raw.TxHash.Hex(), "log_index", d.Raw.LogIndex, "error", d.Err)
			continue
		}
		events = append(events, d.Event)
	}

	res, err := r.store.AppendBlock(ctx, r.opts.SourceID, storage.BlockRecord{
		Number:     n,
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
	}, events)
	if err != nil {
		return fmt.Errorf("append block %d: %w", n, err)
	}
	r.coord.MarkSynced()
	r.m.BlocksProcessed()
	r.m.EventsAppended(len(res.Appended))
	r.m.Duplicates(res.Duplicates)
	if res.Duplicates > 0 {
		r.log.Debug("ignored re-delivered events", "block", n, "count", res.Duplicates)
	}

	if f := r.finalityFor(n, headN); f > r.proj.Finalized() {
		r.proj.SetFinalized(f)
	}
	for _, ev := range res.Appended {
		r.apply(ctx, ev)
	}
	r.m.Watermarks(n, r.proj.Finalized())
	r.log.Debug("block processed", "block", n, "appended", len(res.Appended), "finalized", r.proj.Finalized())
	return nil
}

func (r *Runner) apply(ctx context.Context, ev event.Event) {
	err := r.proj.Apply(ev)
	if err == nil {
		r.notify(ctx, notify.FromEvent(r.opts.SourceID, ev, r.proj.Finalized()))
		return
	}
	var agg *projection.AggregateError
	if !errors.As(err, &agg) {
		r.m.Errors()
		r.log.Error("apply event", "id", ev.ID(), "error", err)
		return
	}
	r.m.AggregateError()
	r.log.Warn("game rejected event", "game_id", agg.GameID, "kind", agg.Kind, "block", agg.Block, "error", agg.Err)
	if !errors.Is(agg, projection.ErrAggregateCorrupt) {
		r.notify(ctx, notify.FromAggregateError(r.opts.SourceID, ev, agg, r.proj.Finalized()))
	}
}

// notify fans a payload out to every sink. Failed sends are logged; the block stays appended.
func (r *Runner) notify(ctx context.Context, p notify.Payload) {
	if r.opts.DryRun || len(r.sinks) == 0 {
		return
	}
	ids := make([]string, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := r.sinks[id].Send(ctx, p)
		if errors.Is(err, notify.ErrDropped) {
			r.m.NotificationDropped()
			r.log.Debug("notification dropped", "sink", id, "kind", p.Kind, "error", err)
			continue
		}
		if err != nil {
			r.m.Errors()
			r.log.Warn("notification failed", "sink", id, "kind", p.Kind, "error", err)
			continue
		}
		r.m.NotificationSent(string(p.Kind))
	}
}

// finalityFor is the watermark after appending height given the chain head:
// at most height, and Confirmations behind the head.
func (r *Runner) finalityFor(height, headN uint64) uint64 {
	if headN < r.opts.Confirmations {
		return 0
	}
	return min(height, headN-r.opts.Confirmations)
}

// advanceFinality moves the watermark for the current head and prunes block hashes
// that fall outside the reorg window.
func (r *Runner) advanceFinality(ctx context.Context, headN uint64) {
	cursor, _, ok, err := r.store.GetCursor(ctx, r.opts.SourceID)
	if err != nil || !ok {
		return
	}
	if f := r.finalityFor(cursor, headN); f > r.proj.Finalized() {
		r.proj.SetFinalized(f)
	}
	r.m.Watermarks(cursor, r.proj.Finalized())

	if cursor <= r.opts.MaxReorgDepth {
		return
	}
	pruned, err := r.store.PruneBlocks(ctx, cursor-r.opts.MaxReorgDepth)
	if err != nil {
		r.log.Warn("prune block hashes", "error", err)
		return
	}
	if pruned > 0 {
		r.log.Debug("pruned block hashes", "below", cursor-r.opts.MaxReorgDepth, "count", pruned)
	}
}

// Done reports whether ingestion reached the configured stop height.
func (r *Runner) Done(ctx context.Context) (bool, error) {
	if r.opts.To == 0 {
		return false, nil
	}
	cursor, _, ok, err := r.store.GetCursor(ctx, r.opts.SourceID)
	if err != nil {
		return false, err
	}
	return ok && cursor >= r.opts.To, nil
}

// Run ingests until ctx is cancelled, the stop height is reached, or the reorg depth is
// exceeded. Source and storage failures are retried with exponential backoff.
func (r *Runner) Run(ctx context.Context) error {
	b := r.retry
	b.Reset()
	for {
		processed, err := r.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, reorg.ErrReorgDepthExceeded):
			r.m.Errors()
			r.log.Error("reorg deeper than retained history; resync required", "error", err)
			return err
		case err != nil:
			r.m.Errors()
			wait := b.Duration()
			r.log.Warn("ingestion failed, retrying", "attempt", b.Attempt(), "in", wait, "error", err)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		b.Reset()

		done, err := r.Done(ctx)
		if err != nil {
			return err
		}
		if done {
			r.log.Info("reached stop height", "to", r.opts.To)
			return nil
		}
		if processed > 0 {
			continue
		}
		if !sleep(ctx, r.opts.PollInterval) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
