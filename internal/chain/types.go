package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is a chain log entry as delivered by the log source.
type RawLog struct {
	Address        common.Address
	Topics         []common.Hash
	Data           []byte
	BlockNumber    uint64
	BlockHash      common.Hash
	BlockTimestamp uint64
	TxHash         common.Hash
	LogIndex       uint
}

// FromTypesLog converts a go-ethereum log; timestamp comes from the block header.
func FromTypesLog(l types.Log, timestamp uint64) RawLog {
	return RawLog{
		Address:        l.Address,
		Topics:         l.Topics,
		Data:           l.Data,
		BlockNumber:    l.BlockNumber,
		BlockHash:      l.BlockHash,
		BlockTimestamp: timestamp,
		TxHash:         l.TxHash,
		LogIndex:       l.Index,
	}
}
