package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/devblac/game-indexer/internal/chain/chaintest"
	"github.com/devblac/game-indexer/internal/event"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

func newTestDecoder(t *testing.T) (*Decoder, chaintest.Logs) {
	t.Helper()
	a, err := DefaultABI()
	if err != nil {
		t.Fatalf("default abi: %v", err)
	}
	d, err := NewDecoder(a)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d, chaintest.Logs{ABI: a, Contract: contract}
}

func raw(l types.Log, block uint64, index uint) RawLog {
	l.BlockNumber = block
	l.Index = index
	l.TxHash = common.HexToHash("0xabc")
	return FromTypesLog(l, 1_700_000_000)
}

func TestDecodeAllKinds(t *testing.T) {
	d, logs := newTestDecoder(t)
	player := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	owner := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	reqID := crypto.Keccak256Hash([]byte("vrf"))

	tests := []struct {
		name  string
		log   types.Log
		check func(t *testing.T, ev event.Event)
	}{
		{
			name: "game_started",
			log:  logs.GameStarted(1, 2, 100),
			check: func(t *testing.T, ev event.Event) {
				gs := ev.(event.GameStarted)
				if gs.GameID.Int64() != 1 || gs.MaxPlayers != 2 || gs.EntryFee.Int64() != 100 {
					t.Fatalf("unexpected fields: %+v", gs)
				}
			},
		},
		{
			name: "player_joined",
			log:  logs.PlayerJoined(1, player),
			check: func(t *testing.T, ev event.Event) {
				pj := ev.(event.PlayerJoined)
				if pj.Player != player || pj.GameID.Int64() != 1 {
					t.Fatalf("unexpected fields: %+v", pj)
				}
			},
		},
		{
			name: "game_ended",
			log:  logs.GameEnded(1, player, reqID),
			check: func(t *testing.T, ev event.Event) {
				ge := ev.(event.GameEnded)
				if ge.Winner != player || ge.RequestID != reqID {
					t.Fatalf("unexpected fields: %+v", ge)
				}
			},
		},
		{
			name: "ownership_transferred",
			log:  logs.OwnershipTransferred(common.Address{}, owner),
			check: func(t *testing.T, ev event.Event) {
				ot := ev.(event.OwnershipTransferred)
				if ot.NewOwner != owner || ot.PreviousOwner != (common.Address{}) {
					t.Fatalf("unexpected fields: %+v", ot)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := d.Decode(raw(tt.log, 42, 3))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			h := ev.EventHeader()
			if h.BlockNumber != 42 || h.LogIndex != 3 || h.BlockTimestamp != 1_700_000_000 {
				t.Fatalf("header not carried: %+v", h)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeKeepsFullPrecision(t *testing.T) {
	d, _ := newTestDecoder(t)
	a, _ := DefaultABI()
	maxU256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	ev := a.Events["GameStarted"]
	data, err := ev.Inputs.Pack(maxU256, uint8(255), maxU256)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := d.Decode(RawLog{Topics: []common.Hash{ev.ID}, Data: data})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gs := got.(event.GameStarted)
	if gs.GameID.Cmp(maxU256) != 0 || gs.EntryFee.Cmp(maxU256) != 0 || gs.MaxPlayers != 255 {
		t.Fatalf("precision lost: %+v", gs)
	}
}

func abiWithMaxPlayers(t *testing.T, typ string) *abi.ABI {
	t.Helper()
	src := strings.Replace(string(lotteryABI), `"name":"maxPlayers","type":"uint8"`, `"name":"maxPlayers","type":"`+typ+`"`, 1)
	a, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &a
}

func TestDecodeMaxPlayersWidths(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		value   any
		want    int32
		wantErr bool
	}{
		{"uint32", "uint32", uint32(70_000), 70_000, false},
		{"uint256", "uint256", big.NewInt(9), 9, false},
		{"int16", "int16", int16(12), 12, false},
		{"uint64_overflow", "uint64", uint64(1) << 40, 0, true},
		{"int16_negative", "int16", int16(-1), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := abiWithMaxPlayers(t, tt.typ)
			d, err := NewDecoder(a)
			if err != nil {
				t.Fatalf("new decoder: %v", err)
			}
			ev := a.Events["GameStarted"]
			data, err := ev.Inputs.Pack(big.NewInt(1), tt.value, big.NewInt(100))
			if err != nil {
				t.Fatalf("pack: %v", err)
			}
			got, err := d.Decode(RawLog{Topics: []common.Hash{ev.ID}, Data: data})
			if tt.wantErr {
				if !errors.Is(err, event.ErrDecode) {
					t.Fatalf("expected decode error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if gs := got.(event.GameStarted); gs.MaxPlayers != tt.want {
				t.Fatalf("maxPlayers = %d, want %d", gs.MaxPlayers, tt.want)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	d, logs := newTestDecoder(t)

	truncated := logs.GameStarted(1, 2, 100)
	truncated.Data = truncated.Data[:40]

	extraTopic := logs.PlayerJoined(1, common.Address{})
	extraTopic.Topics = append(extraTopic.Topics, common.HexToHash("0x01"))

	tests := []struct {
		name string
		log  RawLog
	}{
		{"no_topics", RawLog{}},
		{"unknown_topic", RawLog{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}}},
		{"truncated_data", raw(truncated, 1, 0)},
		{"unexpected_topic_count", raw(extraTopic, 1, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.log)
			if !errors.Is(err, event.ErrDecode) {
				t.Fatalf("expected decode error, got %v", err)
			}
		})
	}
}

func TestDecodeAllPreservesOrder(t *testing.T) {
	d, logs := newTestDecoder(t)
	in := make([]RawLog, 0, 20)
	for i := 0; i < 20; i++ {
		if i == 7 {
			in = append(in, RawLog{LogIndex: uint(i)})
			continue
		}
		in = append(in, raw(logs.GameStarted(int64(i), 2, 1), 5, uint(i)))
	}

	out, err := d.DecodeAll(context.Background(), in)
	if err != nil {
		t.Fatalf("decode all: %v", err)
	}
	for i, res := range out {
		if i == 7 {
			if res.Err == nil {
				t.Fatalf("expected error at %d", i)
			}
			continue
		}
		if res.Err != nil {
			t.Fatalf("unexpected error at %d: %v", i, res.Err)
		}
		if got := res.Event.(event.GameStarted).GameID.Int64(); got != int64(i) {
			t.Fatalf("order broken at %d: got game %d", i, got)
		}
	}
}

func TestDecodeAllCancelled(t *testing.T) {
	d, logs := newTestDecoder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.DecodeAll(ctx, []RawLog{raw(logs.GameStarted(1, 2, 1), 1, 0)}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
