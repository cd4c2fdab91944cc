package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Vendor query text. Table and column names follow the JRA-VAN data
// dictionary as mirrored by the vendor (RACE_SHOSAI holds one row per race,
// UMAGOTO_RACE_JOHO one row per starter carrying both card and result
// fields).

const raceColumns = `RACE_CODE, KYOSOMEI_HONDAI, GRADE_CODE, TRACK_CODE,
       KYORI, BABA_JOTAI_CODE, TENKO_CODE, SHUSSO_TOSU, KOSHIN_NICHIJI`

// fetchRaces pages the race table in key order.
func (cn *Conn) fetchRaces(ctx context.Context, afterKey string, limit int) ([]RaceRow, error) {
	query := `
	SELECT ` + raceColumns + `
	FROM RACE_SHOSAI
	WHERE RACE_CODE > ?
	ORDER BY RACE_CODE
	LIMIT ?
	`
	ctx, cancel := cn.withCommandTimeout(ctx)
	defer cancel()

	rows, err := cn.db.QueryContext(ctx, query, afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch races: %w", err)
	}
	defer rows.Close()

	return scanRaceRows(rows)
}

// fetchRacesModifiedSince pages races whose vendor modification timestamp
// falls in [since, until).
func (cn *Conn) fetchRacesModifiedSince(ctx context.Context, since, until time.Time, afterKey string, limit int) ([]RaceRow, error) {
	query := `
	SELECT ` + raceColumns + `
	FROM RACE_SHOSAI
	WHERE KOSHIN_NICHIJI >= ? AND KOSHIN_NICHIJI < ? AND RACE_CODE > ?
	ORDER BY RACE_CODE
	LIMIT ?
	`
	ctx, cancel := cn.withCommandTimeout(ctx)
	defer cancel()

	rows, err := cn.db.QueryContext(ctx, query, since, until, afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch modified races: %w", err)
	}
	defer rows.Close()

	return scanRaceRows(rows)
}

func scanRaceRows(rows *sql.Rows) ([]RaceRow, error) {
	var out []RaceRow
	for rows.Next() {
		var r RaceRow
		var name, grade, track, distance, going, weather, entryCount sql.NullString
		var modified sql.NullTime

		err := rows.Scan(&r.RaceID, &name, &grade, &track, &distance,
			&going, &weather, &entryCount, &modified)
		if err != nil {
			return nil, fmt.Errorf("failed to scan race row: %w", err)
		}

		r.Name = name.String
		r.Grade = grade.String
		r.Track = track.String
		r.Distance = distance.String
		r.Going = going.String
		r.Weather = weather.String
		r.EntryCount = entryCount.String
		r.ModifiedAt = modified.Time

		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating race rows: %w", err)
	}
	return out, nil
}

// fetchEntries returns the card (pre-race starter data) for one race.
func (cn *Conn) fetchEntries(ctx context.Context, raceID string) ([]EntryRow, error) {
	query := `
	SELECT RACE_CODE, UMABAN, KETTO_TOROKU_BANGO, BAMEI,
	       KISHU_CODE, KISHUMEI, CHOKYOSHI_CODE, CHOKYOSHIMEI,
	       WAKUBAN, FUTAN_JURYO, BATAIJU, TANSHO_ODDS, TANSHO_NINKIJUN
	FROM UMAGOTO_RACE_JOHO
	WHERE RACE_CODE = ?
	ORDER BY UMABAN
	`
	ctx, cancel := cn.withCommandTimeout(ctx)
	defer cancel()

	rows, err := cn.db.QueryContext(ctx, query, raceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entries for %s: %w", raceID, err)
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		var e EntryRow
		var horseName, jockeyID, jockeyName, trainerID, trainerName sql.NullString
		var draw, weight, bodyWeight, odds, popularity sql.NullString

		err := rows.Scan(&e.RaceID, &e.HorseNo, &e.HorseID, &horseName,
			&jockeyID, &jockeyName, &trainerID, &trainerName,
			&draw, &weight, &bodyWeight, &odds, &popularity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}

		e.HorseName = horseName.String
		e.JockeyID = jockeyID.String
		e.JockeyName = jockeyName.String
		e.TrainerID = trainerID.String
		e.TrainerName = trainerName.String
		e.Draw = draw.String
		e.WeightCarried = weight.String
		e.HorseWeight = bodyWeight.String
		e.WinOdds = odds.String
		e.Popularity = popularity.String

		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entry rows: %w", err)
	}
	return out, nil
}

// fetchResults returns confirmed finish outcomes for one race. Rows without
// a confirmed finishing position (the race has not been run, or was
// abandoned) are excluded at the vendor.
func (cn *Conn) fetchResults(ctx context.Context, raceID string) ([]ResultRow, error) {
	query := `
	SELECT RACE_CODE, UMABAN, KAKUTEI_CHAKUJUN, SOHA_TIME,
	       KOHAN_3F, CHAKUSA_CODE, KAKUTOKU_HONSHOKIN
	FROM UMAGOTO_RACE_JOHO
	WHERE RACE_CODE = ? AND KAKUTEI_CHAKUJUN IS NOT NULL AND KAKUTEI_CHAKUJUN <> ''
	ORDER BY UMABAN
	`
	ctx, cancel := cn.withCommandTimeout(ctx)
	defer cancel()

	rows, err := cn.db.QueryContext(ctx, query, raceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results for %s: %w", raceID, err)
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		var pos, finishTime, last3f, margin, prize sql.NullString

		err := rows.Scan(&r.RaceID, &r.HorseNo, &pos, &finishTime,
			&last3f, &margin, &prize)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		r.FinishPos = pos.String
		r.FinishTime = finishTime.String
		r.Last3F = last3f.String
		r.Margin = margin.String
		r.PrizeMoney = prize.String

		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}
	return out, nil
}

// countRaces returns the vendor-side race count.
func (cn *Conn) countRaces(ctx context.Context) (int, error) {
	ctx, cancel := cn.withCommandTimeout(ctx)
	defer cancel()

	var count int
	err := cn.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM RACE_SHOSAI").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count vendor races: %w", err)
	}
	return count, nil
}
