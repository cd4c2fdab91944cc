package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConflictError reports a schema or constraint violation while applying a
// single record. The sync engine decides per batch whether the failure rate
// is a data-quality blip (skip and log) or systemic (abort the page).
type ConflictError struct {
	Table string // "races", "entries", "results"
	Key   string // race key, or race key + horse number
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("upsert conflict on %s %s: %v", e.Table, e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a per-record ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// execer covers both *sql.DB and *sql.Tx so upserts can run standalone or
// inside a page transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertRace inserts or updates a race snapshot.
//
// If a race with the same key exists its row becomes the update target;
// every non-key column is overwritten from the incoming record, so applying
// the same record twice equals applying it once.
func (s *Store) UpsertRace(ctx context.Context, rec *RaceRecord) error {
	return upsertRace(ctx, s.conn, rec, time.Now())
}

func upsertRace(ctx context.Context, ex execer, rec *RaceRecord, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return &ConflictError{Table: "races", Key: rec.Key.String(), Err: err}
	}

	query := `
	INSERT INTO races (
		race_key, race_date, venue, meeting, race_no,
		name, grade, track, distance_m, going, weather,
		entry_count, source_modified_at, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(race_key) DO UPDATE SET
		race_date = excluded.race_date,
		venue = excluded.venue,
		meeting = excluded.meeting,
		race_no = excluded.race_no,
		name = excluded.name,
		grade = excluded.grade,
		track = excluded.track,
		distance_m = excluded.distance_m,
		going = excluded.going,
		weather = excluded.weather,
		entry_count = excluded.entry_count,
		source_modified_at = excluded.source_modified_at,
		synced_at = excluded.synced_at
	`

	_, err := ex.ExecContext(ctx, query,
		rec.Key.String(),
		rec.RaceDate,
		rec.Key.Venue,
		rec.Key.Meeting,
		rec.Key.RaceNo(),
		rec.Name,
		rec.Grade,
		rec.Track,
		rec.DistanceM,
		rec.Going,
		rec.Weather,
		rec.EntryCount,
		timeToNullString(rec.SourceModifiedAt),
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &ConflictError{Table: "races", Key: rec.Key.String(), Err: err}
	}
	return nil
}

// UpsertEntry inserts or updates one starter, keyed by (race key, horse
// number). Fails if the owning race has not been persisted (foreign key).
func (s *Store) UpsertEntry(ctx context.Context, rec *EntryRecord) error {
	return upsertEntry(ctx, s.conn, rec, time.Now())
}

func upsertEntry(ctx context.Context, ex execer, rec *EntryRecord, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return &ConflictError{Table: "entries", Key: entryKey(rec.Key.String(), rec.HorseNo), Err: err}
	}

	query := `
	INSERT INTO entries (
		race_key, horse_no, horse_id, horse_name,
		jockey_id, jockey_name, trainer_id, trainer_name,
		draw, weight_carried, horse_weight, win_odds, popularity, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(race_key, horse_no) DO UPDATE SET
		horse_id = excluded.horse_id,
		horse_name = excluded.horse_name,
		jockey_id = excluded.jockey_id,
		jockey_name = excluded.jockey_name,
		trainer_id = excluded.trainer_id,
		trainer_name = excluded.trainer_name,
		draw = excluded.draw,
		weight_carried = excluded.weight_carried,
		horse_weight = excluded.horse_weight,
		win_odds = excluded.win_odds,
		popularity = excluded.popularity,
		synced_at = excluded.synced_at
	`

	_, err := ex.ExecContext(ctx, query,
		rec.Key.String(),
		rec.HorseNo,
		rec.HorseID,
		rec.HorseName,
		rec.JockeyID,
		rec.JockeyName,
		rec.TrainerID,
		rec.TrainerName,
		rec.Draw,
		rec.WeightCarried,
		rec.HorseWeight,
		rec.WinOdds,
		rec.Popularity,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &ConflictError{Table: "entries", Key: entryKey(rec.Key.String(), rec.HorseNo), Err: err}
	}
	return nil
}

// UpsertResult inserts or replaces a finish outcome.
//
// A result is immutable once written in the sense that nothing ever patches
// individual columns: a vendor correction arrives through this same path
// and overwrites the full row, distinguished only by the row already
// existing.
func (s *Store) UpsertResult(ctx context.Context, rec *ResultRecord) error {
	return upsertResult(ctx, s.conn, rec, time.Now())
}

func upsertResult(ctx context.Context, ex execer, rec *ResultRecord, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return &ConflictError{Table: "results", Key: entryKey(rec.Key.String(), rec.HorseNo), Err: err}
	}

	query := `
	INSERT INTO results (
		race_key, horse_no, finish_pos, finish_time_tenths,
		last_3f_tenths, margin, prize_money, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(race_key, horse_no) DO UPDATE SET
		finish_pos = excluded.finish_pos,
		finish_time_tenths = excluded.finish_time_tenths,
		last_3f_tenths = excluded.last_3f_tenths,
		margin = excluded.margin,
		prize_money = excluded.prize_money,
		synced_at = excluded.synced_at
	`

	_, err := ex.ExecContext(ctx, query,
		rec.Key.String(),
		rec.HorseNo,
		rec.FinishPos,
		rec.FinishTimeTenths,
		rec.Last3FTenths,
		rec.Margin,
		rec.PrizeMoney,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &ConflictError{Table: "results", Key: entryKey(rec.Key.String(), rec.HorseNo), Err: err}
	}
	return nil
}

func entryKey(raceKey string, horseNo int) string {
	return fmt.Sprintf("%s-%02d", raceKey, horseNo)
}
