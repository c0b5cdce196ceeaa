// Package query serves read-only views of the projection and the event store.
package query

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/reorg"
	"github.com/devblac/game-indexer/internal/storage"
)

// ErrInvalidID is returned for game ids that are not decimal uint256 values.
var ErrInvalidID = errors.New("invalid game id")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Service answers queries. It never mutates state.
type Service struct {
	sourceID string
	proj     *projection.Projector
	store    *storage.Store
	coord    *reorg.Coordinator
}

// NewService builds a query service.
func NewService(sourceID string, proj *projection.Projector, store *storage.Store, coord *reorg.Coordinator) *Service {
	return &Service{sourceID: sourceID, proj: proj, store: store, coord: coord}
}

// NormalizeID validates a decimal game id and returns its canonical form.
func NormalizeID(id string) (string, error) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return event.GameKey(n), nil
}

// Get returns a game in the given view.
func (s *Service) Get(id string, view projection.View) (*projection.Game, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	return s.proj.Get(key, view)
}

// GetCommitted returns the finalized state of a game.
func (s *Service) GetCommitted(id string) (*projection.Game, error) {
	return s.Get(id, projection.Committed)
}

// GetInBlock returns the newest state of a game.
func (s *Service) GetInBlock(id string) (*projection.Game, error) {
	return s.Get(id, projection.InBlock)
}

func (s *Service) Games(view projection.View) []*projection.Game {
	return s.proj.Games(view)
}

// ActiveGames lists ids of games without a winner, ordered by numeric id.
func (s *Service) ActiveGames(view projection.View) []string {
	return s.proj.ActiveGames(view)
}

func (s *Service) Owner(view projection.View) (projection.Owner, error) {
	return s.proj.Owner(view)
}

// GameEvent is one stored event as served by the API.
type GameEvent struct {
	ID    event.ID    `json:"id"`
	Kind  event.Kind  `json:"kind"`
	Event event.Event `json:"event"`
}

// Events returns the stored event log of one game.
func (s *Service) Events(ctx context.Context, id string) ([]GameEvent, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	evs, err := s.store.EventsForGame(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]GameEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, GameEvent{ID: ev.ID(), Kind: ev.Kind(), Event: ev})
	}
	return out, nil
}

// ReorgInfo summarizes the most recent reorg.
type ReorgInfo struct {
	Ancestor   uint64    `json:"ancestor"`
	Depth      uint64    `json:"depth"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Status describes indexing progress.
type Status struct {
	Source       string     `json:"source"`
	State        string     `json:"state"`
	Cursor       uint64     `json:"cursor"`
	CursorHash   string     `json:"cursorHash,omitempty"`
	Finalized    uint64     `json:"finalized"`
	Events       int64      `json:"events"`
	Blocks       int64      `json:"retainedBlocks"`
	CorruptGames []string   `json:"corruptGames"`
	LastReorg    *ReorgInfo `json:"lastReorg,omitempty"`
}

// Status reports the cursor, watermark, coordinator state and corrupt games.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		Source:       s.sourceID,
		State:        reorg.Synced.String(),
		Finalized:    s.proj.Finalized(),
		CorruptGames: []string{},
	}
	cursor, hash, ok, err := s.store.GetCursor(ctx, s.sourceID)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.Cursor, st.CursorHash = cursor, hash
	}
	if st.Events, st.Blocks, err = s.store.Counts(ctx); err != nil {
		return Status{}, err
	}
	for _, g := range s.proj.Corrupt() {
		st.CorruptGames = append(st.CorruptGames, g.ID)
	}
	if s.coord != nil {
		st.State = s.coord.State().String()
		if r, ok := s.coord.LastReorg(); ok {
			st.LastReorg = &ReorgInfo{Ancestor: r.Ancestor, Depth: r.Depth, DetectedAt: r.DetectedAt}
		}
	}
	return st, nil
}
