package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"runtime"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

var maxInt32 = big.NewInt(math.MaxInt32)

// Decoder turns raw logs into typed events. It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	abi     *abi.ABI
	workers int
}

// NewDecoder builds a decoder over the given contract ABI.
func NewDecoder(a *abi.ABI) (*Decoder, error) {
	if a == nil {
		return nil, fmt.Errorf("abi is required")
	}
	return &Decoder{abi: a, workers: runtime.GOMAXPROCS(0)}, nil
}

// Decoded pairs a raw log with its decode outcome.
type Decoded struct {
	Raw   RawLog
	Event event.Event
	Err   error
}

// Decode returns exactly one typed event or a *event.DecodeError.
func (d *Decoder) Decode(raw RawLog) (event.Event, error) {
	if len(raw.Topics) == 0 {
		return nil, decodeErr(raw, "log has no topics", nil)
	}
	ev, err := d.abi.EventByID(raw.Topics[0])
	if err != nil {
		return nil, decodeErr(raw, "unrecognized topic", nil)
	}

	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if len(raw.Topics)-1 != len(indexed) {
		return nil, decodeErr(raw, fmt.Sprintf("%s: expected %d indexed topics, got %d", ev.Name, len(indexed), len(raw.Topics)-1), nil)
	}
	args := map[string]any{}
	if err := abi.ParseTopicsIntoMap(args, indexed, raw.Topics[1:]); err != nil {
		return nil, decodeErr(raw, ev.Name+": parse topics", err)
	}
	if err := nonIndexed.UnpackIntoMap(args, raw.Data); err != nil {
		return nil, decodeErr(raw, ev.Name+": unpack data", err)
	}

	h := event.Header{
		BlockNumber:    raw.BlockNumber,
		BlockHash:      raw.BlockHash,
		BlockTimestamp: raw.BlockTimestamp,
		TxHash:         raw.TxHash,
		LogIndex:       raw.LogIndex,
	}
	f := fields{raw: raw, name: ev.Name, args: args}

	var out event.Event
	switch event.Kind(ev.Name) {
	case event.KindGameStarted:
		out = event.GameStarted{
			Header:     h,
			GameID:     f.bigInt("gameId"),
			MaxPlayers: f.int32("maxPlayers"),
			EntryFee:   f.bigInt("entryFee"),
		}
	case event.KindPlayerJoined:
		out = event.PlayerJoined{
			Header: h,
			GameID: f.bigInt("gameId"),
			Player: f.address("player"),
		}
	case event.KindGameEnded:
		out = event.GameEnded{
			Header:    h,
			GameID:    f.bigInt("gameId"),
			Winner:    f.address("winner"),
			RequestID: f.bytes32("requestId"),
		}
	case event.KindOwnershipTransferred:
		out = event.OwnershipTransferred{
			Header:        h,
			PreviousOwner: f.address("previousOwner"),
			NewOwner:      f.address("newOwner"),
		}
	default:
		return nil, decodeErr(raw, "unsupported event "+ev.Name, nil)
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// DecodeAll decodes logs in parallel and returns results in input order.
// Per-log failures are reported in Decoded.Err; only cancellation fails the call.
func (d *Decoder) DecodeAll(ctx context.Context, logs []RawLog) ([]Decoded, error) {
	out := make([]Decoded, len(logs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range logs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := d.Decode(logs[i])
			out[i] = Decoded{Raw: logs[i], Event: ev, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fields extracts typed arguments, keeping the first failure.
type fields struct {
	raw  RawLog
	name string
	args map[string]any
	err  error
}

func (f *fields) fail(arg, want string) {
	if f.err == nil {
		f.err = decodeErr(f.raw, fmt.Sprintf("%s.%s: expected %s, got %T", f.name, arg, want, f.args[arg]), nil)
	}
}

func (f *fields) bigInt(arg string) *big.Int {
	v, ok := f.args[arg].(*big.Int)
	if !ok {
		f.fail(arg, "uint256")
		return nil
	}
	return new(big.Int).Set(v)
}

// int32 accepts any ABI integer width and rejects values outside 0..MaxInt32.
func (f *fields) int32(arg string) int32 {
	var n *big.Int
	switch v := f.args[arg].(type) {
	case uint8:
		n = new(big.Int).SetUint64(uint64(v))
	case uint16:
		n = new(big.Int).SetUint64(uint64(v))
	case uint32:
		n = new(big.Int).SetUint64(uint64(v))
	case uint64:
		n = new(big.Int).SetUint64(v)
	case int8:
		n = big.NewInt(int64(v))
	case int16:
		n = big.NewInt(int64(v))
	case int32:
		n = big.NewInt(int64(v))
	case int64:
		n = big.NewInt(v)
	case *big.Int:
		n = v
	default:
		f.fail(arg, "integer")
		return 0
	}
	if n.Sign() < 0 || n.Cmp(maxInt32) > 0 {
		if f.err == nil {
			f.err = decodeErr(f.raw, fmt.Sprintf("%s.%s: %s out of range 0..%d", f.name, arg, n, math.MaxInt32), nil)
		}
		return 0
	}
	return int32(n.Int64())
}

func (f *fields) address(arg string) common.Address {
	v, ok := f.args[arg].(common.Address)
	if !ok {
		f.fail(arg, "address")
	}
	return v
}

func (f *fields) bytes32(arg string) common.Hash {
	v, ok := f.args[arg].([32]byte)
	if !ok {
		f.fail(arg, "bytes32")
	}
	return common.Hash(v)
}

func decodeErr(raw RawLog, reason string, err error) *event.DecodeError {
	de := &event.DecodeError{TxHash: raw.TxHash, LogIndex: raw.LogIndex, Reason: reason, Err: err}
	if len(raw.Topics) > 0 {
		de.Topic = raw.Topics[0]
	}
	return de
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
