package sync

import (
	"fmt"
	"strconv"

	"github.com/keibalab/keibasync/internal/racekey"
	"github.com/keibalab/keibasync/internal/source"
	"github.com/keibalab/keibasync/internal/store"
)

// Vendor code tables. Codes outside the tables pass through unchanged so a
// vendor-side addition degrades to "store the raw code" instead of data loss.

var gradeCodes = map[string]string{
	"A": "G1",
	"B": "G2",
	"C": "G3",
	"D": "Listed",
	"E": "OP",
}

var goingCodes = map[string]string{
	"1": "good",
	"2": "yielding",
	"3": "soft",
	"4": "heavy",
}

var weatherCodes = map[string]string{
	"1": "fine",
	"2": "cloudy",
	"3": "rain",
	"4": "drizzle",
	"5": "snow",
	"6": "light snow",
}

func gradeName(code string) string {
	if name, ok := gradeCodes[code]; ok {
		return name
	}
	return code
}

// trackName decodes the vendor's two-digit track code into a surface.
func trackName(code string) string {
	n, err := strconv.Atoi(code)
	if err != nil {
		return code
	}
	switch {
	case n >= 10 && n <= 22:
		return "turf"
	case n >= 23 && n <= 29:
		return "dirt"
	case n >= 51 && n <= 59:
		return "jump"
	default:
		return code
	}
}

func goingName(code string) string {
	if name, ok := goingCodes[code]; ok {
		return name
	}
	return code
}

func weatherName(code string) string {
	if name, ok := weatherCodes[code]; ok {
		return name
	}
	return code
}

// atoi parses a zero-padded vendor number, treating empty as zero. The
// vendor pads but never writes signs or separators.
func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// tenths converts a tenths-of-unit vendor string to a float.
func tenths(s string) float64 {
	return float64(atoi(s)) / 10
}

// convertRace turns a vendor race row into a store record. Rows with a
// malformed key are rejected; everything else degrades field by field.
func convertRace(row *source.RaceRow) (*store.RaceRecord, error) {
	if err := row.Validate(); err != nil {
		return nil, err
	}
	key, err := racekey.Parse(row.RaceID)
	if err != nil {
		return nil, err
	}

	rec := &store.RaceRecord{
		Key:        key,
		RaceDate:   key.Year + "-" + key.MonthDay[:2] + "-" + key.MonthDay[2:],
		Name:       row.Name,
		Grade:      gradeName(row.Grade),
		Track:      trackName(row.Track),
		DistanceM:  atoi(row.Distance),
		Going:      goingName(row.Going),
		Weather:    weatherName(row.Weather),
		EntryCount: atoi(row.EntryCount),
	}
	if !row.ModifiedAt.IsZero() {
		t := row.ModifiedAt
		rec.SourceModifiedAt = &t
	}
	return rec, nil
}

// convertEntry turns a vendor entry row into a store record.
func convertEntry(row *source.EntryRow) (*store.EntryRecord, error) {
	if err := row.Validate(); err != nil {
		return nil, err
	}
	key, err := racekey.Parse(row.RaceID)
	if err != nil {
		return nil, err
	}
	horseNo := atoi(row.HorseNo)
	if horseNo < 1 {
		return nil, fmt.Errorf("horse number %q is not positive", row.HorseNo)
	}

	return &store.EntryRecord{
		Key:           key,
		HorseNo:       horseNo,
		HorseID:       row.HorseID,
		HorseName:     row.HorseName,
		JockeyID:      row.JockeyID,
		JockeyName:    row.JockeyName,
		TrainerID:     row.TrainerID,
		TrainerName:   row.TrainerName,
		Draw:          atoi(row.Draw),
		WeightCarried: tenths(row.WeightCarried),
		HorseWeight:   atoi(row.HorseWeight),
		WinOdds:       tenths(row.WinOdds),
		Popularity:    atoi(row.Popularity),
	}, nil
}

// convertResult turns a vendor result row into a store record. A "00"
// finish position means the horse did not finish and is stored as zero.
func convertResult(row *source.ResultRow) (*store.ResultRecord, error) {
	if err := row.Validate(); err != nil {
		return nil, err
	}
	key, err := racekey.Parse(row.RaceID)
	if err != nil {
		return nil, err
	}
	horseNo := atoi(row.HorseNo)
	if horseNo < 1 {
		return nil, fmt.Errorf("horse number %q is not positive", row.HorseNo)
	}

	return &store.ResultRecord{
		Key:              key,
		HorseNo:          horseNo,
		FinishPos:        atoi(row.FinishPos),
		FinishTimeTenths: atoi(row.FinishTime),
		Last3FTenths:     atoi(row.Last3F),
		Margin:           row.Margin,
		PrizeMoney:       atoi(row.PrizeMoney),
	}, nil
}
