package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrBlockNotRetained is returned when a block hash is older than the retained window.
var ErrBlockNotRetained = errors.New("block not retained")

// BlockRecord is the ledger entry for a processed block.
type BlockRecord struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
}

func putBlock(ctx context.Context, db execer, b BlockRecord) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO blocks (number, hash, parent_hash, timestamp)
VALUES (?, ?, ?, ?)
ON CONFLICT(number) DO UPDATE SET
  hash=excluded.hash,
  parent_hash=excluded.parent_hash,
  timestamp=excluded.timestamp;
`, b.Number, b.Hash.Hex(), b.ParentHash.Hex(), b.Timestamp)
	if err != nil {
		return fmt.Errorf("put block %d: %w", b.Number, err)
	}
	return nil
}

// BlockHash returns the recorded hash at height n.
func (s *Store) BlockHash(ctx context.Context, n uint64) (common.Hash, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM blocks WHERE number = ?;`, n).Scan(&hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return common.Hash{}, false, nil
	case err != nil:
		return common.Hash{}, false, fmt.Errorf("get block %d: %w", n, err)
	}
	return common.HexToHash(hash), true, nil
}

// EarliestBlock returns the lowest retained block height.
func (s *Store) EarliestBlock(ctx context.Context) (uint64, bool, error) {
	return s.blockBound(ctx, "MIN")
}

// LatestBlock returns the highest recorded block height.
func (s *Store) LatestBlock(ctx context.Context) (uint64, bool, error) {
	return s.blockBound(ctx, "MAX")
}

func (s *Store) blockBound(ctx context.Context, agg string) (uint64, bool, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT `+agg+`(number) FROM blocks;`).Scan(&n); err != nil {
		return 0, false, fmt.Errorf("block bound %s: %w", agg, err)
	}
	if !n.Valid {
		return 0, false, nil
	}
	return uint64(n.Int64), true, nil
}

// PruneBlocks forgets block hashes below height. Events are never pruned.
func (s *Store) PruneBlocks(ctx context.Context, below uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE number < ?;`, below)
	if err != nil {
		return 0, fmt.Errorf("prune blocks: %w", err)
	}
	return res.RowsAffected()
}
