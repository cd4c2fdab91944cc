// Package racekey parses and builds the composite identifiers that address
// JRA-VAN races and starters.
//
// A race key is a 14-character digit string laid out as:
//
//	YYYY MMDD JJ KK RR
//	 |    |    |  |  +-- race number on the card
//	 |    |    |  +----- meeting number within the year (kai)
//	 |    |    +-------- venue code (JRA course code, e.g. 05 = Tokyo)
//	 |    +------------- month and day of the race day
//	 +------------------ year
//
// The vendor's native race IDs are 16 characters, with a day-of-meeting
// number (nichiji) at positions 12:14 and the race number at 14:16. This key
// replaces nichiji with the calendar MMDD segment and keeps the race number
// in two digits, so vendor IDs must be re-derived field by field rather than
// sliced at the vendor's offsets.
//
// Parsing and encoding are exact inverses: for every well-formed input k,
// Parse(k).String() == k. Keys are immutable values and safe to share
// between goroutines.
package racekey

import (
	"errors"
	"fmt"
	"strconv"
)

// KeyLen is the exact length of an encoded race key.
const KeyLen = 14

// Key identifies a single race.
//
// All segments keep their zero-padded textual form so that encoding loses
// no information (vendor data uses codes like "05", not 5).
type Key struct {
	Year     string // "2024"
	MonthDay string // "1222" (MMDD)
	Venue    string // "05"
	Meeting  string // "04"
	Race     string // "11"
}

// MalformedKeyError reports a race key that could not be parsed.
// It can be matched with errors.As, or via IsMalformed.
type MalformedKeyError struct {
	Raw    string
	Reason string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed race key %q: %s", e.Raw, e.Reason)
}

// IsMalformed reports whether err is, or wraps, a MalformedKeyError.
func IsMalformed(err error) bool {
	var mk *MalformedKeyError
	return errors.As(err, &mk)
}

// Parse decodes a 14-character race key.
//
// It fails with *MalformedKeyError when raw is not exactly KeyLen characters
// long or when any segment contains a non-digit. Beyond digits no range
// checks are applied: vendor feeds carry venue codes outside the JRA 01-10
// range for regional (NAR) courses, and those must survive a round trip.
func Parse(raw string) (Key, error) {
	if len(raw) != KeyLen {
		return Key{}, &MalformedKeyError{
			Raw:    raw,
			Reason: fmt.Sprintf("want %d characters, got %d", KeyLen, len(raw)),
		}
	}
	for i := 0; i < KeyLen; i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return Key{}, &MalformedKeyError{
				Raw:    raw,
				Reason: fmt.Sprintf("non-digit %q at position %d", raw[i], i),
			}
		}
	}
	return Key{
		Year:     raw[0:4],
		MonthDay: raw[4:8],
		Venue:    raw[8:10],
		Meeting:  raw[10:12],
		Race:     raw[12:14],
	}, nil
}

// MustParse is like Parse but panics on malformed input.
// Intended for tests and compile-time-known keys.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return k
}

// String re-encodes the key to its 14-character form.
func (k Key) String() string {
	return k.Year + k.MonthDay + k.Venue + k.Meeting + k.Race
}

// IsZero reports whether k is the zero value (no key).
func (k Key) IsZero() bool {
	return k == Key{}
}

// Before reports whether k sorts before other in race-key order.
// Because every segment is zero-padded, lexicographic order on the encoded
// form is also chronological order within a venue/meeting.
func (k Key) Before(other Key) bool {
	return k.String() < other.String()
}

// EntryID derives the composite identifier for one starter in this race:
// the race key followed by the two-digit horse number.
func (k Key) EntryID(horseNo int) string {
	return fmt.Sprintf("%s-%02d", k.String(), horseNo)
}

// RaceNo returns the race number as an int.
func (k Key) RaceNo() int {
	n, _ := strconv.Atoi(k.Race)
	return n
}
