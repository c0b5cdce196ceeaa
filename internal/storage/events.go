package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/ethereum/go-ethereum/common"
)

// ErrDuplicate is returned when an event id is already stored.
var ErrDuplicate = errors.New("duplicate event")

// Unbounded can be passed as the upper block of Iterate.
const Unbounded uint64 = math.MaxInt64

const iteratePageSize = 500

// Append stores a single event. Re-appending an existing id returns ErrDuplicate and changes nothing.
func (s *Store) Append(ctx context.Context, ev event.Event) error {
	inserted, err := insertEvent(ctx, s.db, ev)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("append %s: %w", ev.ID(), ErrDuplicate)
	}
	return nil
}

// AppendResult reports what AppendBlock persisted.
type AppendResult struct {
	Appended   []event.Event
	Duplicates int
}

// AppendBlock persists a block's events, its hash, and the source cursor in one transaction.
// Either the whole block is recorded or nothing is.
func (s *Store) AppendBlock(ctx context.Context, sourceID string, blk BlockRecord, events []event.Event) (AppendResult, error) {
	var res AppendResult
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res = AppendResult{}
		for _, ev := range events {
			if ev.EventHeader().BlockNumber != blk.Number {
				return fmt.Errorf("event %s at block %d does not belong to block %d", ev.ID(), ev.EventHeader().BlockNumber, blk.Number)
			}
			inserted, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			if !inserted {
				res.Duplicates++
				continue
			}
			res.Appended = append(res.Appended, ev)
		}
		if err := putBlock(ctx, tx, blk); err != nil {
			return err
		}
		return upsertCursor(ctx, tx, sourceID, blk.Number, blk.Hash.Hex())
	})
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

func insertEvent(ctx context.Context, db execer, ev event.Event) (bool, error) {
	payload, err := event.Marshal(ev)
	if err != nil {
		return false, err
	}
	var gameID any
	if ge, ok := ev.(event.GameEvent); ok {
		gameID = event.GameKey(ge.Game())
	}
	h := ev.EventHeader()
	res, err := db.ExecContext(ctx, `
INSERT INTO events (id, kind, game_id, block_number, block_hash, log_index, tx_hash, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, string(ev.ID()), string(ev.Kind()), gameID, h.BlockNumber, h.BlockHash.Hex(), h.LogIndex, h.TxHash.Hex(), string(payload))
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID(), err)
	}
	return n == 1, nil
}

// RollbackAfter deletes every event and block hash above height and rewinds the cursor to it.
func (s *Store) RollbackAfter(ctx context.Context, sourceID string, height uint64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var hash string
		err := tx.QueryRowContext(ctx, `SELECT hash FROM blocks WHERE number = ?;`, height).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rollback to %d: %w", height, ErrBlockNotRetained)
		}
		if err != nil {
			return fmt.Errorf("rollback to %d: %w", height, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE block_number > ?;`, height); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE number > ?;`, height); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
		return upsertCursor(ctx, tx, sourceID, height, hash)
	})
}

// Iterate yields events with from <= block_number <= to ordered by (block_number, log_index).
// The sequence is lazy and reads in pages; every range over it starts again from the beginning.
// A stored payload that no longer decodes is yielded as an *event.DecodeError and iteration continues.
func (s *Store) Iterate(ctx context.Context, from, to uint64) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		lastBlock, lastIndex := from, int64(-1)
		for {
			page, err := s.page(ctx, `
SELECT kind, payload_json, block_number, log_index, tx_hash FROM events
WHERE (block_number > ? OR (block_number = ? AND log_index > ?)) AND block_number <= ?
ORDER BY block_number, log_index
LIMIT ?;
`, lastBlock, lastBlock, lastIndex, to, iteratePageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page {
				if !yield(r.event, r.err) {
					return
				}
				lastBlock, lastIndex = r.block, r.index
			}
			if len(page) < iteratePageSize {
				return
			}
		}
	}
}

// EventsForGame returns one game's events in log order.
func (s *Store) EventsForGame(ctx context.Context, gameID string) ([]event.Event, error) {
	page, err := s.page(ctx, `
SELECT kind, payload_json, block_number, log_index, tx_hash FROM events
WHERE game_id = ?
ORDER BY block_number, log_index;
`, gameID)
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(page))
	for _, r := range page {
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, r.event)
	}
	return out, nil
}

type storedEvent struct {
	event event.Event
	err   error
	block uint64
	index int64
}

// page materializes a result set so no cursor stays open while callers consume it.
func (s *Store) page(ctx context.Context, query string, args ...any) ([]storedEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []storedEvent
	for rows.Next() {
		var (
			kind, payload, txHash string
			r                     storedEvent
		)
		if err := rows.Scan(&kind, &payload, &r.block, &r.index, &txHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := event.Unmarshal(event.Kind(kind), []byte(payload))
		if err != nil {
			r.err = &event.DecodeError{
				TxHash:   common.HexToHash(txHash),
				LogIndex: uint(r.index),
				Reason:   "stored payload",
				Err:      err,
			}
		}
		r.event = ev
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
