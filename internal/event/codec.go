package event

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes an event payload for storage.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return data, nil
}

// Unmarshal rebuilds a typed event from its kind and stored payload.
func Unmarshal(kind Kind, data []byte) (Event, error) {
	switch kind {
	case KindGameStarted:
		var ev GameStarted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		if ev.GameID == nil || ev.EntryFee == nil {
			return nil, fmt.Errorf("unmarshal %s: missing gameId or entryFee", kind)
		}
		return ev, nil
	case KindPlayerJoined:
		var ev PlayerJoined
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		if ev.GameID == nil {
			return nil, fmt.Errorf("unmarshal %s: missing gameId", kind)
		}
		return ev, nil
	case KindGameEnded:
		var ev GameEnded
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		if ev.GameID == nil {
			return nil, fmt.Errorf("unmarshal %s: missing gameId", kind)
		}
		return ev, nil
	case KindOwnershipTransferred:
		var ev OwnershipTransferred
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
