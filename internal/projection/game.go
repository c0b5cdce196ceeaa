package projection

import (
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Status tells whether a row can be trusted.
type Status string

const (
	StatusOK      Status = "ok"
	StatusCorrupt Status = "corrupt"
)

// Game is the materialized state of one game. Values handed out by the projector are copies.
type Game struct {
	ID         string           `json:"id"`
	MaxPlayers int32            `json:"maxPlayers"`
	EntryFee   *big.Int         `json:"entryFee"`
	Winner     *common.Address  `json:"winner"`
	RequestID  *common.Hash     `json:"requestId"`
	Players    []common.Address `json:"players"`
	StartedAt  uint64           `json:"startedAt"`
	UpdatedAt  uint64           `json:"updatedAt"`
	Status     Status           `json:"status"`
	Fault      string           `json:"fault,omitempty"`
}

// Ended reports whether a winner was recorded.
func (g *Game) Ended() bool { return g.Winner != nil }

// Clone returns a deep copy.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	c := *g
	if g.EntryFee != nil {
		c.EntryFee = new(big.Int).Set(g.EntryFee)
	}
	if g.Winner != nil {
		w := *g.Winner
		c.Winner = &w
	}
	if g.RequestID != nil {
		r := *g.RequestID
		c.RequestID = &r
	}
	c.Players = slices.Clone(g.Players)
	if c.Players == nil {
		c.Players = []common.Address{}
	}
	return &c
}

// Owner is the single-slot contract ownership projection. Only Current is live.
type Owner struct {
	Previous common.Address `json:"previousOwner"`
	Current  common.Address `json:"owner"`
	Block    uint64         `json:"block"`
}
