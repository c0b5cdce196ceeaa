package chain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devblac/game-indexer/internal/chain/chaintest"
	"github.com/ethereum/go-ethereum/common"
)

func TestSourceLogsForBlock(t *testing.T) {
	a, err := DefaultABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	logs := chaintest.Logs{ABI: a, Contract: contract}
	other := chaintest.Logs{ABI: a, Contract: common.HexToAddress("0x01")}

	c := chaintest.New()
	c.Mine(logs.GameStarted(1, 2, 10), other.GameStarted(9, 2, 10), logs.PlayerJoined(1, common.HexToAddress("0xaa")))

	src := NewSource(c, contract)
	head, err := src.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if head.Number.Uint64() != 1 {
		t.Fatalf("unexpected head %d", head.Number.Uint64())
	}

	got, err := src.Logs(context.Background(), head)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contract logs, got %d", len(got))
	}
	if got[0].LogIndex != 0 || got[1].LogIndex != 2 {
		t.Fatalf("unexpected log indexes %d,%d", got[0].LogIndex, got[1].LogIndex)
	}
	if got[0].BlockTimestamp != head.Time || got[0].BlockHash != head.Hash() {
		t.Fatalf("header fields not carried")
	}
}

func TestLoadABIRequiresLotteryEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erc20.json")
	erc20 := `[{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true}]}]`
	if err := os.WriteFile(path, []byte(erc20), 0o644); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	if _, err := LoadABI(path); err == nil {
		t.Fatalf("expected missing events to fail")
	}

	full := filepath.Join(dir, "lottery.json")
	if err := os.WriteFile(full, lotteryABI, 0o644); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	if _, err := LoadABI(full); err != nil {
		t.Fatalf("load full abi: %v", err)
	}
}

func TestLoadABIChecksMaxPlayersType(t *testing.T) {
	dir := t.TempDir()
	for typ, ok := range map[string]bool{"uint32": true, "int64": true, "string": false, "bytes32": false} {
		path := filepath.Join(dir, typ+".json")
		src := strings.Replace(string(lotteryABI), `"name":"maxPlayers","type":"uint8"`, `"name":"maxPlayers","type":"`+typ+`"`, 1)
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatalf("write abi: %v", err)
		}
		_, err := LoadABI(path)
		if ok && err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if !ok && err == nil {
			t.Fatalf("%s: expected maxPlayers type to be rejected", typ)
		}
	}
}
