package event

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind names one of the lottery contract events.
type Kind string

const (
	KindGameStarted          Kind = "GameStarted"
	KindPlayerJoined         Kind = "PlayerJoined"
	KindGameEnded            Kind = "GameEnded"
	KindOwnershipTransferred Kind = "OwnershipTransferred"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindGameStarted, KindPlayerJoined, KindGameEnded, KindOwnershipTransferred}
}

// ID identifies an event: tx hash bytes followed by the log index as little-endian int32.
type ID string

// NewID derives the identifier for a log position.
func NewID(txHash common.Hash, logIndex uint) ID {
	buf := make([]byte, common.HashLength+4)
	copy(buf, txHash.Bytes())
	binary.LittleEndian.PutUint32(buf[common.HashLength:], uint32(int32(logIndex)))
	return ID(hexutil.Encode(buf))
}

// Header is carried by every event.
type Header struct {
	BlockNumber    uint64      `json:"blockNumber"`
	BlockHash      common.Hash `json:"blockHash"`
	BlockTimestamp uint64      `json:"blockTimestamp"`
	TxHash         common.Hash `json:"transactionHash"`
	LogIndex       uint        `json:"logIndex"`
}

// EventHeader returns the header itself; promoted into every event type.
func (h Header) EventHeader() Header { return h }

// ID returns the event identifier.
func (h Header) ID() ID { return NewID(h.TxHash, h.LogIndex) }

// Event is one decoded log record.
type Event interface {
	Kind() Kind
	EventHeader() Header
	ID() ID
}

// GameEvent is implemented by events that belong to a single game aggregate.
type GameEvent interface {
	Event
	Game() *big.Int
}

type GameStarted struct {
	Header
	GameID     *big.Int `json:"gameId"`
	MaxPlayers int32    `json:"maxPlayers"`
	EntryFee   *big.Int `json:"entryFee"`
}

func (GameStarted) Kind() Kind { return KindGameStarted }
func (e GameStarted) Game() *big.Int { return e.GameID }

type PlayerJoined struct {
	Header
	GameID *big.Int       `json:"gameId"`
	Player common.Address `json:"player"`
}

func (PlayerJoined) Kind() Kind { return KindPlayerJoined }
func (e PlayerJoined) Game() *big.Int { return e.GameID }

type GameEnded struct {
	Header
	GameID    *big.Int       `json:"gameId"`
	Winner    common.Address `json:"winner"`
	RequestID common.Hash    `json:"requestId"`
}

func (GameEnded) Kind() Kind { return KindGameEnded }
func (e GameEnded) Game() *big.Int { return e.GameID }

// OwnershipTransferred does not belong to any game.
type OwnershipTransferred struct {
	Header
	PreviousOwner common.Address `json:"previousOwner"`
	NewOwner      common.Address `json:"newOwner"`
}

func (OwnershipTransferred) Kind() Kind { return KindOwnershipTransferred }

// GameKey renders a game id the way projection rows are keyed.
func GameKey(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}
