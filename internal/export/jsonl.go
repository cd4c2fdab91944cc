// Package export writes the local store out as JSONL for model training
// pipelines, one race per line with its entries and results nested.
package export

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// RaceLine is one exported race: the flat race row plus its starters.
type RaceLine struct {
	RaceID    string       `json:"race_id"`
	RaceDate  string       `json:"race_date"`
	Venue     string       `json:"venue"`
	RaceNo    int          `json:"race_no"`
	Name      string       `json:"name,omitempty"`
	Grade     string       `json:"grade,omitempty"`
	Track     string       `json:"track,omitempty"`
	DistanceM int          `json:"distance_m,omitempty"`
	Going     string       `json:"going,omitempty"`
	Weather   string       `json:"weather,omitempty"`
	Entries   []EntryLine  `json:"entries,omitempty"`
	Results   []ResultLine `json:"results,omitempty"`
}

// EntryLine is one starter inside a RaceLine.
type EntryLine struct {
	HorseNo       int     `json:"horse_no"`
	HorseID       string  `json:"horse_id"`
	HorseName     string  `json:"horse_name,omitempty"`
	JockeyID      string  `json:"jockey_id,omitempty"`
	JockeyName    string  `json:"jockey_name,omitempty"`
	Draw          int     `json:"draw,omitempty"`
	WeightCarried float64 `json:"weight_carried,omitempty"`
	WinOdds       float64 `json:"win_odds,omitempty"`
	Popularity    int     `json:"popularity,omitempty"`
}

// ResultLine is one finish outcome inside a RaceLine.
type ResultLine struct {
	HorseNo          int    `json:"horse_no"`
	FinishPos        int    `json:"finish_pos"`
	FinishTimeTenths int    `json:"finish_time_tenths,omitempty"`
	Last3FTenths     int    `json:"last_3f_tenths,omitempty"`
	Margin           string `json:"margin,omitempty"`
	PrizeMoney       int64  `json:"prize_money,omitempty"`
}

// Options configures an export.
type Options struct {
	// After restricts the export to races with keys strictly after this
	// one. Empty exports everything.
	After string
}

// Result contains statistics about the export.
type Result struct {
	Races   int
	Entries int
	Results int
}

// ToJSONL streams every synced race to w in race-key order.
func ToJSONL(ctx context.Context, db *sql.DB, w io.Writer, opts Options) (*Result, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	res := &Result{}

	rows, err := db.QueryContext(ctx, `
		SELECT race_key, race_date, venue, race_no, name, grade, track,
		       distance_m, going, weather
		FROM races
		WHERE race_key > ?
		ORDER BY race_key`, opts.After)
	if err != nil {
		return nil, fmt.Errorf("failed to read races: %w", err)
	}
	defer rows.Close()

	var lines []RaceLine
	for rows.Next() {
		var l RaceLine
		if err := rows.Scan(&l.RaceID, &l.RaceDate, &l.Venue, &l.RaceNo, &l.Name,
			&l.Grade, &l.Track, &l.DistanceM, &l.Going, &l.Weather); err != nil {
			return nil, fmt.Errorf("failed to scan race: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read races: %w", err)
	}

	for i := range lines {
		l := &lines[i]
		if l.Entries, err = readEntries(ctx, db, l.RaceID); err != nil {
			return nil, err
		}
		if l.Results, err = readResults(ctx, db, l.RaceID); err != nil {
			return nil, err
		}
		if err := enc.Encode(l); err != nil {
			return nil, fmt.Errorf("failed to write race %s: %w", l.RaceID, err)
		}
		res.Races++
		res.Entries += len(l.Entries)
		res.Results += len(l.Results)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return res, nil
}

// ToFile exports to a path, creating or truncating it.
func ToFile(ctx context.Context, db *sql.DB, path string, opts Options) (*Result, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	res, err := ToJSONL(ctx, db, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close export file: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func readEntries(ctx context.Context, db *sql.DB, raceID string) ([]EntryLine, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT horse_no, horse_id, horse_name, jockey_id, jockey_name,
		       draw, weight_carried, win_odds, popularity
		FROM entries WHERE race_key = ? ORDER BY horse_no`, raceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries for %s: %w", raceID, err)
	}
	defer rows.Close()

	var out []EntryLine
	for rows.Next() {
		var e EntryLine
		if err := rows.Scan(&e.HorseNo, &e.HorseID, &e.HorseName, &e.JockeyID,
			&e.JockeyName, &e.Draw, &e.WeightCarried, &e.WinOdds, &e.Popularity); err != nil {
			return nil, fmt.Errorf("failed to scan entry for %s: %w", raceID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func readResults(ctx context.Context, db *sql.DB, raceID string) ([]ResultLine, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT horse_no, finish_pos, finish_time_tenths, last_3f_tenths,
		       margin, prize_money
		FROM results WHERE race_key = ? ORDER BY finish_pos, horse_no`, raceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read results for %s: %w", raceID, err)
	}
	defer rows.Close()

	var out []ResultLine
	for rows.Next() {
		var r ResultLine
		if err := rows.Scan(&r.HorseNo, &r.FinishPos, &r.FinishTimeTenths,
			&r.Last3FTenths, &r.Margin, &r.PrizeMoney); err != nil {
			return nil, fmt.Errorf("failed to scan result for %s: %w", raceID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
