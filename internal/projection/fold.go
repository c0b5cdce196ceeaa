package projection

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrConflict indicates a second GameStarted for an existing game id.
	ErrConflict = errors.New("game already started")
	// ErrGameNotFound indicates an event for a game that was never started.
	ErrGameNotFound = errors.New("game not started")
	// ErrGameFull indicates a join beyond maxPlayers.
	ErrGameFull = errors.New("game is full")
	// ErrDuplicatePlayer indicates the same address joining twice.
	ErrDuplicatePlayer = errors.New("player already joined")
	// ErrAlreadyEnded indicates an event for a game that already has a winner.
	ErrAlreadyEnded = errors.New("game already ended")
	// ErrAggregateCorrupt indicates an event skipped because its game is corrupt.
	ErrAggregateCorrupt = errors.New("game is corrupt")
)

// AggregateError is an invariant violation scoped to one game.
type AggregateError struct {
	GameID string
	Kind   event.Kind
	Block  uint64
	Err    error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("game %s: %s at block %d: %v", e.GameID, e.Kind, e.Block, e.Err)
}

func (e *AggregateError) Unwrap() error { return e.Err }

// Fold applies one game event to the prior state of that game and returns the next state.
// prior is nil when the game has no row. prior is never modified.
func Fold(prior *Game, ev event.GameEvent) (*Game, error) {
	h := ev.EventHeader()
	fail := func(err error) (*Game, error) {
		return nil, &AggregateError{GameID: event.GameKey(ev.Game()), Kind: ev.Kind(), Block: h.BlockNumber, Err: err}
	}

	switch e := ev.(type) {
	case event.GameStarted:
		if prior != nil {
			return fail(ErrConflict)
		}
		return &Game{
			ID:         event.GameKey(e.GameID),
			MaxPlayers: e.MaxPlayers,
			EntryFee:   new(big.Int).Set(e.EntryFee),
			Players:    []common.Address{},
			StartedAt:  h.BlockNumber,
			UpdatedAt:  h.BlockNumber,
			Status:     StatusOK,
		}, nil

	case event.PlayerJoined:
		if prior == nil {
			return fail(ErrGameNotFound)
		}
		if prior.Ended() {
			return fail(ErrAlreadyEnded)
		}
		if slices.Contains(prior.Players, e.Player) {
			return fail(ErrDuplicatePlayer)
		}
		if int64(len(prior.Players)) >= int64(prior.MaxPlayers) {
			return fail(ErrGameFull)
		}
		next := prior.Clone()
		next.Players = append(next.Players, e.Player)
		next.UpdatedAt = h.BlockNumber
		return next, nil

	case event.GameEnded:
		if prior == nil {
			return fail(ErrGameNotFound)
		}
		if prior.Ended() {
			return fail(ErrAlreadyEnded)
		}
		next := prior.Clone()
		winner, req := e.Winner, e.RequestID
		next.Winner = &winner
		next.RequestID = &req
		next.UpdatedAt = h.BlockNumber
		return next, nil
	}
	return nil, fmt.Errorf("fold: unsupported event %s", ev.Kind())
}

// FoldOwner records an ownership transfer.
func FoldOwner(_ Owner, ev event.OwnershipTransferred) Owner {
	return Owner{
		Previous: ev.PreviousOwner,
		Current:  ev.NewOwner,
		Block:    ev.BlockNumber,
	}
}
