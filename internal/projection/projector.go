package projection

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"sync"

	"github.com/devblac/game-indexer/internal/event"
)

var (
	// ErrNotFound indicates no row exists in the requested view.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable indicates the row exists but is corrupt and cannot be served as committed.
	ErrUnavailable = errors.New("unavailable")
)

// View selects a confirmation level.
type View int

const (
	// InBlock includes every applied event, final or not.
	InBlock View = iota
	// Committed includes only mutations at or below the finality watermark.
	Committed
)

func (v View) String() string {
	if v == Committed {
		return "committed"
	}
	return "inblock"
}

// ParseView maps "committed" and "inblock" (default) to a View.
func ParseView(s string) (View, error) {
	switch s {
	case "", "inblock", "in_block", "in-block":
		return InBlock, nil
	case "committed":
		return Committed, nil
	}
	return InBlock, fmt.Errorf("unknown view %q", s)
}

type gameVersion struct {
	block uint64
	game  *Game
}

type ownerVersion struct {
	block uint64
	owner Owner
}

// rows holds every version of every row. Versions are immutable and ascend by block.
type rows struct {
	games map[string][]gameVersion
	owner []ownerVersion
	head  uint64
}

func newRows() *rows {
	return &rows{games: map[string][]gameVersion{}}
}

// Projector is the single-writer, many-reader row store for the game and owner projections.
type Projector struct {
	mu        sync.RWMutex
	rows      *rows
	finalized uint64
	log       *slog.Logger
}

// New returns an empty projector.
func New(log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{rows: newRows(), log: log}
}

// Apply folds one event into the projection. An *AggregateError marks that game corrupt;
// the caller should log it and continue with the next event.
func (p *Projector) Apply(ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows.apply(ev)
}

func (r *rows) apply(ev event.Event) error {
	block := ev.EventHeader().BlockNumber
	if block > r.head {
		r.head = block
	}

	switch e := ev.(type) {
	case event.OwnershipTransferred:
		var prior Owner
		if n := len(r.owner); n > 0 {
			prior = r.owner[n-1].owner
		}
		next := FoldOwner(prior, e)
		if n := len(r.owner); n > 0 && r.owner[n-1].block == block {
			r.owner[n-1].owner = next
		} else {
			r.owner = append(r.owner, ownerVersion{block: block, owner: next})
		}
		return nil

	case event.GameEvent:
		key := event.GameKey(e.Game())
		cur := r.latest(key)
		if cur != nil && cur.Status == StatusCorrupt {
			return &AggregateError{GameID: key, Kind: e.Kind(), Block: block, Err: ErrAggregateCorrupt}
		}
		next, err := Fold(cur, e)
		if err != nil {
			bad := cur.Clone()
			if bad == nil {
				bad = &Game{ID: key}
			}
			bad.Status = StatusCorrupt
			bad.Fault = err.Error()
			bad.UpdatedAt = block
			r.put(key, block, bad)
			return err
		}
		r.put(key, block, next)
		return nil
	}
	return fmt.Errorf("apply: unsupported event %T", ev)
}

func (r *rows) latest(key string) *Game {
	vs := r.games[key]
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1].game
}

// put appends a version; several mutations in one block collapse into one version.
func (r *rows) put(key string, block uint64, g *Game) {
	vs := r.games[key]
	if n := len(vs); n > 0 && vs[n-1].block == block {
		vs[n-1] = gameVersion{block: block, game: g}
		return
	}
	r.games[key] = append(vs, gameVersion{block: block, game: g})
}

// compact drops versions that no committed or in-block read can select any more.
func (r *rows) compact(finalized uint64) {
	for key, vs := range r.games {
		if i := committedIndex(len(vs), func(i int) uint64 { return vs[i].block }, finalized); i > 0 {
			r.games[key] = append([]gameVersion(nil), vs[i:]...)
		}
	}
	if i := committedIndex(len(r.owner), func(i int) uint64 { return r.owner[i].block }, finalized); i > 0 {
		r.owner = append([]ownerVersion(nil), r.owner[i:]...)
	}
}

// committedIndex returns the index of the newest version at or below finalized, or -1.
func committedIndex(n int, blockAt func(int) uint64, finalized uint64) int {
	i := sort.Search(n, func(i int) bool { return blockAt(i) > finalized })
	return i - 1
}

func (r *rows) game(key string, view View, finalized uint64) *Game {
	vs := r.games[key]
	if len(vs) == 0 {
		return nil
	}
	if view == InBlock {
		return vs[len(vs)-1].game
	}
	i := committedIndex(len(vs), func(i int) uint64 { return vs[i].block }, finalized)
	if i < 0 {
		return nil
	}
	return vs[i].game
}

// SetFinalized moves the finality watermark and compacts history below it.
// Use RebuildBelow to lower it together with the rows.
func (p *Projector) SetFinalized(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalized = n
	p.rows.compact(n)
}

// Finalized returns the finality watermark.
func (p *Projector) Finalized() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.finalized
}

// Head returns the highest block that produced a mutation.
func (p *Projector) Head() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rows.head
}

// Reset discards all rows.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = newRows()
	p.finalized = 0
}

// RebuildStats summarizes a replay.
type RebuildStats struct {
	Applied         int
	DecodeErrors    int
	AggregateErrors int
}

// Rebuild discards the current rows and replays events from scratch. Readers keep seeing
// the previous state until the rebuilt one is swapped in. Decode and aggregate errors are
// isolated to the affected event or game; any other iteration error aborts the rebuild
// and leaves the current state untouched.
func (p *Projector) Rebuild(events iter.Seq2[event.Event, error]) (RebuildStats, error) {
	return p.RebuildBelow(events, math.MaxUint64)
}

// RebuildBelow is Rebuild with the finality watermark capped at ceiling. The cap is
// applied in the same swap as the rebuilt rows, so no reader sees the old rows under
// the lowered watermark.
func (p *Projector) RebuildBelow(events iter.Seq2[event.Event, error], ceiling uint64) (RebuildStats, error) {
	var stats RebuildStats
	fresh := newRows()
	for ev, err := range events {
		if err != nil {
			if errors.Is(err, event.ErrDecode) {
				stats.DecodeErrors++
				p.log.Warn("skip undecodable event during rebuild", "error", err)
				continue
			}
			return stats, fmt.Errorf("rebuild: %w", err)
		}
		if err := fresh.apply(ev); err != nil {
			var agg *AggregateError
			if !errors.As(err, &agg) {
				return stats, fmt.Errorf("rebuild: %w", err)
			}
			stats.AggregateErrors++
			p.log.Warn("aggregate error during rebuild", "game_id", agg.GameID, "block", agg.Block, "error", agg.Err)
			continue
		}
		stats.Applied++
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized > ceiling {
		p.finalized = ceiling
	}
	fresh.compact(p.finalized)
	p.rows = fresh
	return stats, nil
}

// GetInBlock returns the newest state of a game, including non-final mutations.
// Corrupt rows are returned with Status set to StatusCorrupt.
func (p *Projector) GetInBlock(id string) (*Game, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g := p.rows.game(id, InBlock, p.finalized)
	if g == nil {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

// GetCommitted returns the state of a game as of the finality watermark.
func (p *Projector) GetCommitted(id string) (*Game, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g := p.rows.game(id, Committed, p.finalized)
	if g == nil {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	if g.Status == StatusCorrupt {
		return nil, fmt.Errorf("game %s: %w: %s", id, ErrUnavailable, g.Fault)
	}
	return g.Clone(), nil
}

// Get dispatches to GetInBlock or GetCommitted.
func (p *Projector) Get(id string, view View) (*Game, error) {
	if view == Committed {
		return p.GetCommitted(id)
	}
	return p.GetInBlock(id)
}

// Owner returns the contract owner in the given view.
func (p *Projector) Owner(view View) (Owner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.owner(view)
	if !ok {
		return Owner{}, fmt.Errorf("owner: %w", ErrNotFound)
	}
	return o, nil
}

func (p *Projector) owner(view View) (Owner, bool) {
	vs := p.rows.owner
	i := len(vs) - 1
	if view == Committed {
		i = committedIndex(len(vs), func(i int) uint64 { return vs[i].block }, p.finalized)
	}
	if i < 0 {
		return Owner{}, false
	}
	return vs[i].owner, true
}

// Games returns every row visible in the view ordered by numeric game id.
// Committed views leave out corrupt rows.
func (p *Projector) Games(view View) []*Game {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(view, visible(view))
}

func visible(view View) func(*Game) bool {
	return func(g *Game) bool { return view == InBlock || g.Status == StatusOK }
}

// ActiveGames returns the ids of healthy games without a winner, ordered by numeric id.
func (p *Projector) ActiveGames(view View) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	games := p.collect(view, func(g *Game) bool {
		return g.Status == StatusOK && !g.Ended()
	})
	ids := make([]string, 0, len(games))
	for _, g := range games {
		ids = append(ids, g.ID)
	}
	return ids
}

// Corrupt returns the in-block corrupt rows ordered by numeric id.
func (p *Projector) Corrupt() []*Game {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(InBlock, func(g *Game) bool { return g.Status == StatusCorrupt })
}

func (p *Projector) collect(view View, keep func(*Game) bool) []*Game {
	out := []*Game{}
	for key := range p.rows.games {
		g := p.rows.game(key, view, p.finalized)
		if g == nil || !keep(g) {
			continue
		}
		out = append(out, g.Clone())
	}
	sortByID(out)
	return out
}

func sortByID(games []*Game) {
	sort.Slice(games, func(i, j int) bool {
		a, aok := new(big.Int).SetString(games[i].ID, 10)
		b, bok := new(big.Int).SetString(games[j].ID, 10)
		if aok && bok {
			return a.Cmp(b) < 0
		}
		return games[i].ID < games[j].ID
	})
}

// State is a deterministic, serializable copy of one view of the projection.
type State struct {
	View      string  `json:"view"`
	Finalized uint64  `json:"finalized"`
	Games     []*Game `json:"games"`
	Owner     *Owner  `json:"owner"`
}

// Snapshot captures a view. Replaying the same events always yields the same snapshot.
func (p *Projector) Snapshot(view View) State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := State{View: view.String(), Finalized: p.finalized, Games: p.collect(view, visible(view))}
	if o, ok := p.owner(view); ok {
		st.Owner = &o
	}
	return st
}
