package store

import (
	"context"
	"fmt"
)

// Counts holds local row counts per synchronized table, compared against
// the vendor by the verify command.
type Counts struct {
	Races   int
	Entries int
	Results int
}

// VerifyCounts returns the local row counts for the synchronized tables.
func (s *Store) VerifyCounts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"races", &c.Races},
		{"entries", &c.Entries},
		{"results", &c.Results},
	} {
		err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dst)
		if err != nil {
			return c, fmt.Errorf("failed to count %s: %w", q.table, err)
		}
	}
	return c, nil
}
