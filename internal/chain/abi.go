package chain

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed lottery_abi.json
var lotteryABI []byte

// DefaultABI returns the event ABI of the lottery contract.
func DefaultABI() (*abi.ABI, error) {
	a, err := abi.JSON(bytes.NewReader(lotteryABI))
	if err != nil {
		return nil, fmt.Errorf("parse embedded abi: %w", err)
	}
	return &a, nil
}

// LoadABI reads an ABI JSON file. It must declare every event the indexer decodes.
func LoadABI(path string) (*abi.ABI, error) {
	if path == "" {
		return DefaultABI()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	for _, k := range event.Kinds() {
		if _, ok := a.Events[string(k)]; !ok {
			return nil, fmt.Errorf("abi %s: missing event %s", path, k)
		}
	}
	if err := checkMaxPlayers(a.Events[string(event.KindGameStarted)].Inputs); err != nil {
		return nil, fmt.Errorf("abi %s: %w", path, err)
	}
	return &a, nil
}

// checkMaxPlayers requires GameStarted.maxPlayers to be an integer.
func checkMaxPlayers(inputs abi.Arguments) error {
	for _, in := range inputs {
		if in.Name != "maxPlayers" {
			continue
		}
		if in.Type.T != abi.IntTy && in.Type.T != abi.UintTy {
			return fmt.Errorf("GameStarted.maxPlayers must be an integer type, got %s", in.Type)
		}
		return nil
	}
	return fmt.Errorf("GameStarted has no maxPlayers input")
}
