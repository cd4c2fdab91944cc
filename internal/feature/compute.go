package feature

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/keibalab/keibasync/internal/racekey"
)

// Computer derives the built-in feature types from synced race data.
//
// All computations read only the local database, so warming works offline
// once a sync has run. Race keys sort chronologically, which lets "before
// this race" be a plain key comparison.
type Computer struct {
	db *sql.DB
}

// NewComputer creates a computer over the synced tables.
func NewComputer(db *sql.DB) *Computer {
	return &Computer{db: db}
}

// RegisterAll wires every built-in feature type into w with its TTL.
func (c *Computer) RegisterAll(w *Warmer, ttl time.Duration) {
	w.Register(TypePastPerformance, c.PastPerformance, ttl)
	w.Register(TypeJockeyStats, c.JockeyStats, ttl)
	w.Register(TypeRaceCondition, c.RaceCondition, ttl)
}

// entityEntry resolves an entity ID back to its entry row.
func (c *Computer) entityEntry(ctx context.Context, raceID, entityID string) (horseNo int, horseID, jockeyID string, err error) {
	key, err := racekey.Parse(raceID)
	if err != nil {
		return 0, "", "", err
	}
	prefix := key.String() + "-"
	if !strings.HasPrefix(entityID, prefix) {
		return 0, "", "", fmt.Errorf("entity %q does not belong to race %s", entityID, raceID)
	}
	horseNo, err = strconv.Atoi(strings.TrimPrefix(entityID, prefix))
	if err != nil {
		return 0, "", "", fmt.Errorf("entity %q has a malformed horse number: %w", entityID, err)
	}
	err = c.db.QueryRowContext(ctx,
		`SELECT horse_id, jockey_id FROM entries WHERE race_key = ? AND horse_no = ?`,
		raceID, horseNo,
	).Scan(&horseID, &jockeyID)
	if err == sql.ErrNoRows {
		return 0, "", "", fmt.Errorf("no entry for %s", entityID)
	}
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to load entry %s: %w", entityID, err)
	}
	return horseNo, horseID, jockeyID, nil
}

// PastPerformance summarizes the horse's results in races before raceID.
func (c *Computer) PastPerformance(ctx context.Context, raceID, entityID string) (Payload, error) {
	_, horseID, _, err := c.entityEntry(ctx, raceID, entityID)
	if err != nil {
		return Payload{}, err
	}

	var (
		pp       PastPerformance
		sumPos   int
		bestTime sql.NullInt64
	)
	rows, err := c.db.QueryContext(ctx, `
		SELECT r.finish_pos, r.finish_time_tenths, ra.race_date
		FROM results r
		JOIN entries e ON e.race_key = r.race_key AND e.horse_no = r.horse_no
		JOIN races ra ON ra.race_key = r.race_key
		WHERE e.horse_id = ? AND r.race_key < ?
		ORDER BY r.race_key`,
		horseID, raceID)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to load history for %s: %w", entityID, err)
	}
	defer rows.Close()

	var lastDate string
	for rows.Next() {
		var (
			pos      int
			timeT    sql.NullInt64
			raceDate string
		)
		if err := rows.Scan(&pos, &timeT, &raceDate); err != nil {
			return Payload{}, fmt.Errorf("failed to scan history for %s: %w", entityID, err)
		}
		pp.Starts++
		sumPos += pos
		pp.LastFinishPos = pos
		lastDate = raceDate
		switch {
		case pos == 1:
			pp.Wins++
		case pos <= 3:
			pp.Places++
		}
		// A zero time means the source had no recorded time.
		if timeT.Valid && timeT.Int64 > 0 && (!bestTime.Valid || timeT.Int64 < bestTime.Int64) {
			bestTime = timeT
		}
	}
	if err := rows.Err(); err != nil {
		return Payload{}, fmt.Errorf("failed to read history for %s: %w", entityID, err)
	}

	if pp.Starts > 0 {
		pp.WinRate = float64(pp.Wins) / float64(pp.Starts)
		pp.AvgFinishPos = float64(sumPos) / float64(pp.Starts)
	}
	if bestTime.Valid {
		pp.BestTimeTenths = int(bestTime.Int64)
	}
	if lastDate != "" {
		if last, err := time.Parse("2006-01-02", lastDate); err == nil {
			key, _ := racekey.Parse(raceID)
			if cur, err := time.Parse("20060102", key.Year+key.MonthDay); err == nil {
				pp.DaysSinceLastRun = int(cur.Sub(last).Hours() / 24)
			}
		}
	}
	return NewPayload(TypePastPerformance, pp)
}

// JockeyStats summarizes the entry's jockey over all prior results, plus a
// venue-specific win rate for the race's venue.
func (c *Computer) JockeyStats(ctx context.Context, raceID, entityID string) (Payload, error) {
	_, _, jockeyID, err := c.entityEntry(ctx, raceID, entityID)
	if err != nil {
		return Payload{}, err
	}
	if jockeyID == "" {
		return Payload{}, fmt.Errorf("entry %s has no jockey", entityID)
	}
	key, err := racekey.Parse(raceID)
	if err != nil {
		return Payload{}, err
	}

	var js JockeyStats
	var places int
	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN r.finish_pos = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.finish_pos <= 3 THEN 1 ELSE 0 END), 0)
		FROM results r
		JOIN entries e ON e.race_key = r.race_key AND e.horse_no = r.horse_no
		WHERE e.jockey_id = ? AND r.race_key < ?`,
		jockeyID, raceID,
	).Scan(&js.Rides, &js.Wins, &places)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to load jockey record for %s: %w", entityID, err)
	}
	if js.Rides > 0 {
		js.WinRate = float64(js.Wins) / float64(js.Rides)
		js.PlaceRate = float64(places) / float64(js.Rides)
	}

	var venueRides, venueWins int
	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN r.finish_pos = 1 THEN 1 ELSE 0 END), 0)
		FROM results r
		JOIN entries e ON e.race_key = r.race_key AND e.horse_no = r.horse_no
		JOIN races ra ON ra.race_key = r.race_key
		WHERE e.jockey_id = ? AND r.race_key < ? AND ra.venue = ?`,
		jockeyID, raceID, key.Venue,
	).Scan(&venueRides, &venueWins)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to load venue record for %s: %w", entityID, err)
	}
	if venueRides > 0 {
		js.VenueWinRate = float64(venueWins) / float64(venueRides)
	}
	return NewPayload(TypeJockeyStats, js)
}

// RaceCondition captures the race's surface and the starter's draw in it.
func (c *Computer) RaceCondition(ctx context.Context, raceID, entityID string) (Payload, error) {
	horseNo, _, _, err := c.entityEntry(ctx, raceID, entityID)
	if err != nil {
		return Payload{}, err
	}

	var rc RaceCondition
	err = c.db.QueryRowContext(ctx,
		`SELECT track, distance_m, going, entry_count FROM races WHERE race_key = ?`,
		raceID,
	).Scan(&rc.Track, &rc.DistanceM, &rc.Going, &rc.FieldSize)
	if err == sql.ErrNoRows {
		return Payload{}, fmt.Errorf("race %s not synced", raceID)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("failed to load race %s: %w", raceID, err)
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT draw FROM entries WHERE race_key = ? AND horse_no = ?`,
		raceID, horseNo,
	).Scan(&rc.Draw); err != nil {
		return Payload{}, fmt.Errorf("failed to load draw for %s: %w", entityID, err)
	}

	// Draw bias: how often this draw won at this venue and distance,
	// relative to an even share of the field.
	key, err := racekey.Parse(raceID)
	if err != nil {
		return Payload{}, err
	}
	var total, wins int
	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN r.finish_pos = 1 THEN 1 ELSE 0 END), 0)
		FROM results r
		JOIN entries e ON e.race_key = r.race_key AND e.horse_no = r.horse_no
		JOIN races ra ON ra.race_key = r.race_key
		WHERE ra.venue = ? AND ra.distance_m = ? AND e.draw = ? AND r.race_key < ?`,
		key.Venue, rc.DistanceM, rc.Draw, raceID,
	).Scan(&total, &wins)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to load draw history for %s: %w", entityID, err)
	}
	if total > 0 && rc.FieldSize > 0 {
		rc.DrawBias = (float64(wins) / float64(total)) * float64(rc.FieldSize)
	}
	return NewPayload(TypeRaceCondition, rc)
}
