package event

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrDecode matches every *DecodeError.
var ErrDecode = errors.New("decode error")

// DecodeError reports a log that is unrecognized or cannot be decoded to the expected fields.
type DecodeError struct {
	TxHash   common.Hash
	LogIndex uint
	Topic    common.Hash
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode log %s/%d: %s", e.TxHash.Hex(), e.LogIndex, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }
