// Package feature computes, stores, and invalidates derived feature bundles
// for prediction models.
//
// Features are keyed by (race, entity, feature type). An entity is one
// starter (race key + horse number) or a person such as a jockey, depending
// on the feature type. Entries carry an optional expiry; reads treat an
// expired entry as absent, but the row is kept for inspection until garbage
// collected.
package feature

import (
	"encoding/json"
	"fmt"
)

// Feature types shipped with the importer. The cache itself is open to any
// type string; these are the ones the built-in computations produce.
const (
	TypePastPerformance = "past_performance"
	TypeJockeyStats     = "jockey_stats"
	TypeRaceCondition   = "race_condition"
)

// Payload is a tagged feature bundle: a kind plus the kind's schema.
//
// Known kinds round-trip through their typed structs; unknown kinds (added
// by newer writers) survive as raw JSON so older readers never destroy
// them.
type Payload struct {
	Kind string
	Data json.RawMessage
}

// PastPerformance summarizes a horse's record going into a race.
type PastPerformance struct {
	Starts           int     `json:"starts"`
	Wins             int     `json:"wins"`
	Places           int     `json:"places"`
	WinRate          float64 `json:"win_rate"`
	AvgFinishPos     float64 `json:"avg_finish_pos"`
	LastFinishPos    int     `json:"last_finish_pos"`
	DaysSinceLastRun int     `json:"days_since_last_run"`
	BestTimeTenths   int     `json:"best_time_tenths"`
}

// JockeyStats summarizes a jockey's recent form.
type JockeyStats struct {
	Rides        int     `json:"rides"`
	Wins         int     `json:"wins"`
	WinRate      float64 `json:"win_rate"`
	PlaceRate    float64 `json:"place_rate"`
	VenueWinRate float64 `json:"venue_win_rate"`
}

// RaceCondition captures the context a starter faces in this race.
type RaceCondition struct {
	Track     string  `json:"track"`
	DistanceM int     `json:"distance_m"`
	Going     string  `json:"going"`
	FieldSize int     `json:"field_size"`
	Draw      int     `json:"draw"`
	DrawBias  float64 `json:"draw_bias"`
}

// NewPayload builds a tagged payload from any JSON-serializable value.
func NewPayload(kind string, v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return Payload{Kind: kind, Data: data}, nil
}

// envelope is the stored JSON form.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Kind: p.Kind, Data: p.Data})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return fmt.Errorf("failed to unmarshal feature payload: %w", err)
	}
	if e.Kind == "" {
		return fmt.Errorf("feature payload has no kind")
	}
	p.Kind = e.Kind
	p.Data = e.Data
	return nil
}

// AsPastPerformance decodes the payload as past-performance features.
func (p Payload) AsPastPerformance() (PastPerformance, error) {
	var v PastPerformance
	if err := p.as(TypePastPerformance, &v); err != nil {
		return PastPerformance{}, err
	}
	return v, nil
}

// AsJockeyStats decodes the payload as jockey statistics.
func (p Payload) AsJockeyStats() (JockeyStats, error) {
	var v JockeyStats
	if err := p.as(TypeJockeyStats, &v); err != nil {
		return JockeyStats{}, err
	}
	return v, nil
}

// AsRaceCondition decodes the payload as race-condition features.
func (p Payload) AsRaceCondition() (RaceCondition, error) {
	var v RaceCondition
	if err := p.as(TypeRaceCondition, &v); err != nil {
		return RaceCondition{}, err
	}
	return v, nil
}

func (p Payload) as(kind string, dst any) error {
	if p.Kind != kind {
		return fmt.Errorf("payload kind is %q, not %q", p.Kind, kind)
	}
	if err := json.Unmarshal(p.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return nil
}
