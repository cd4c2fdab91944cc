package feature

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss indicates the requested feature is absent or expired.
var ErrMiss = errors.New("feature cache miss")

// IsMiss reports whether err is a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// NoExpiry marks an entry that never expires on its own. It stays valid
// until explicitly invalidated or overwritten.
const NoExpiry time.Duration = -1

// Cache stores computed feature payloads in the local database.
//
// Get treats an expired entry exactly like an absent one. Invalidation
// expires rows in place rather than deleting them, so a stale entry remains
// inspectable until GC removes it.
type Cache struct {
	db *sql.DB

	// now is swappable for tests.
	now func() time.Time
}

// NewCache creates a cache backed by db. The schema must already be
// initialized.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db, now: time.Now}
}

// Entry is a cached feature with its bookkeeping columns.
type Entry struct {
	RaceID       string
	EntityID     string
	FeatureType  string
	Payload      Payload
	CalculatedAt time.Time
	ExpiresAt    *time.Time
}

// Get returns the payload for (raceID, entityID, featureType), or ErrMiss
// if no valid entry exists.
func (c *Cache) Get(ctx context.Context, raceID, entityID, featureType string) (Payload, error) {
	e, err := c.Lookup(ctx, raceID, entityID, featureType)
	if err != nil {
		return Payload{}, err
	}
	return e.Payload, nil
}

// Lookup is Get with the entry's metadata. Expired entries still miss.
func (c *Cache) Lookup(ctx context.Context, raceID, entityID, featureType string) (*Entry, error) {
	var (
		payload      []byte
		calculatedAt string
		expiresAt    sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT payload, calculated_at, expires_at
		FROM feature_cache
		WHERE race_key = ? AND entity_id = ? AND feature_type = ?`,
		raceID, entityID, featureType,
	).Scan(&payload, &calculatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrMiss, raceID, entityID, featureType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read feature cache: %w", err)
	}

	e := &Entry{RaceID: raceID, EntityID: entityID, FeatureType: featureType}
	if e.CalculatedAt, err = time.Parse(time.RFC3339Nano, calculatedAt); err != nil {
		return nil, fmt.Errorf("corrupt calculated_at for %s/%s/%s: %w", raceID, entityID, featureType, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt expires_at for %s/%s/%s: %w", raceID, entityID, featureType, err)
		}
		if !t.After(c.now()) {
			return nil, fmt.Errorf("%w: %s/%s/%s expired at %s", ErrMiss, raceID, entityID, featureType, t.Format(time.RFC3339))
		}
		e.ExpiresAt = &t
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("corrupt payload for %s/%s/%s: %w", raceID, entityID, featureType, err)
	}
	return e, nil
}

// Put stores a payload, replacing any previous entry for the same key.
//
// A ttl of zero or more sets the expiry that far in the future (zero means
// the entry is born expired). NoExpiry stores a NULL expiry.
func (c *Cache) Put(ctx context.Context, raceID, entityID, featureType string, p Payload, ttl time.Duration) error {
	if p.Kind == "" {
		return fmt.Errorf("feature payload has no kind")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", featureType, err)
	}

	now := c.now().UTC()
	var expires sql.NullString
	if ttl >= 0 {
		expires = sql.NullString{String: now.Add(ttl).Format(time.RFC3339Nano), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO feature_cache (race_key, entity_id, feature_type, payload, calculated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(race_key, entity_id, feature_type) DO UPDATE SET
			payload = excluded.payload,
			calculated_at = excluded.calculated_at,
			expires_at = excluded.expires_at`,
		raceID, entityID, featureType, data, now.Format(time.RFC3339Nano), expires,
	)
	if err != nil {
		return fmt.Errorf("failed to store feature %s/%s/%s: %w", raceID, entityID, featureType, err)
	}
	return nil
}

// Invalidate expires every cached feature for one entity across all races
// and feature types. Rows are kept; subsequent reads miss. Returns the
// number of entries expired.
func (c *Cache) Invalidate(ctx context.Context, entityID string) (int64, error) {
	return c.expire(ctx, `entity_id = ?`, entityID)
}

// InvalidateRace expires every cached feature attached to one race.
func (c *Cache) InvalidateRace(ctx context.Context, raceID string) (int64, error) {
	return c.expire(ctx, `race_key = ?`, raceID)
}

// InvalidateType expires every cached feature of one feature type.
func (c *Cache) InvalidateType(ctx context.Context, featureType string) (int64, error) {
	return c.expire(ctx, `feature_type = ?`, featureType)
}

func (c *Cache) expire(ctx context.Context, where string, arg string) (int64, error) {
	now := c.now().UTC().Format(time.RFC3339Nano)
	res, err := c.db.ExecContext(ctx,
		`UPDATE feature_cache SET expires_at = ? WHERE `+where+
			` AND (expires_at IS NULL OR expires_at > ?)`,
		now, arg, now)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate features: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated features: %w", err)
	}
	return n, nil
}

// GC deletes entries that expired more than keep ago. Returns the number of
// rows removed.
func (c *Cache) GC(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := c.now().UTC().Add(-keep).Format(time.RFC3339Nano)
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM feature_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to garbage-collect feature cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count garbage-collected features: %w", err)
	}
	return n, nil
}

// Count returns the total number of rows, valid or expired.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feature_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count feature cache: %w", err)
	}
	return n, nil
}
