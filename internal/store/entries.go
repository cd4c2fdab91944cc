package store

import (
	"context"
	"fmt"

	"github.com/keibalab/keibasync/internal/racekey"
)

// EntryIDs returns the entity IDs of every starter persisted for one race,
// in horse-number order.
func (s *Store) EntryIDs(ctx context.Context, key racekey.Key) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT horse_no FROM entries WHERE race_key = ? ORDER BY horse_no", key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list entries for %s: %w", key, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var horseNo int
		if err := rows.Scan(&horseNo); err != nil {
			return nil, fmt.Errorf("failed to scan entry for %s: %w", key, err)
		}
		ids = append(ids, key.EntryID(horseNo))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entries for %s: %w", key, err)
	}
	return ids, nil
}
