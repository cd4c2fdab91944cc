package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/keibalab/keibasync/internal/racekey"
	"github.com/keibalab/keibasync/internal/store"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	for _, id := range []string{"20241222050411", "20241228060512"} {
		k := racekey.MustParse(id)
		race := store.RaceRecord{
			Key: k, RaceDate: "2024-12-22", Name: "有馬記念",
			Grade: "G1", Track: "turf", DistanceM: 2500, EntryCount: 2,
		}
		if err := s.UpsertRace(ctx, &race); err != nil {
			t.Fatalf("UpsertRace() failed: %v", err)
		}
		for h := 1; h <= 2; h++ {
			entry := store.EntryRecord{Key: k, HorseNo: h, HorseID: "2019104567", WinOdds: 2.3}
			if err := s.UpsertEntry(ctx, &entry); err != nil {
				t.Fatalf("UpsertEntry() failed: %v", err)
			}
		}
		result := store.ResultRecord{Key: k, HorseNo: 1, FinishPos: 1, FinishTimeTenths: 1556}
		if err := s.UpsertResult(ctx, &result); err != nil {
			t.Fatalf("UpsertResult() failed: %v", err)
		}
	}
	return s
}

func TestToJSONL(t *testing.T) {
	s := seededStore(t)
	var buf bytes.Buffer

	res, err := ToJSONL(context.Background(), s.DB(), &buf, Options{})
	if err != nil {
		t.Fatalf("ToJSONL() failed: %v", err)
	}
	if res.Races != 2 || res.Entries != 4 || res.Results != 2 {
		t.Errorf("result = %+v, want 2/4/2", res)
	}

	sc := bufio.NewScanner(&buf)
	var lines []RaceLine
	for sc.Scan() {
		var l RaceLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].RaceID != "20241222050411" || lines[1].RaceID != "20241228060512" {
		t.Errorf("lines out of key order: %s, %s", lines[0].RaceID, lines[1].RaceID)
	}
	if len(lines[0].Entries) != 2 || len(lines[0].Results) != 1 {
		t.Errorf("nested rows = %d entries, %d results", len(lines[0].Entries), len(lines[0].Results))
	}
	if lines[0].Entries[0].WinOdds != 2.3 {
		t.Errorf("WinOdds = %v, want 2.3", lines[0].Entries[0].WinOdds)
	}
}

func TestToJSONL_After(t *testing.T) {
	s := seededStore(t)
	var buf bytes.Buffer

	res, err := ToJSONL(context.Background(), s.DB(), &buf, Options{After: "20241222050411"})
	if err != nil {
		t.Fatalf("ToJSONL() failed: %v", err)
	}
	if res.Races != 1 {
		t.Errorf("Races = %d with After, want 1", res.Races)
	}
}

func TestToFile(t *testing.T) {
	s := seededStore(t)
	path := filepath.Join(t.TempDir(), "out", "races.jsonl")

	if _, err := ToFile(context.Background(), s.DB(), path, Options{}); err == nil {
		t.Fatal("ToFile() into a missing directory should fail")
	}

	path = filepath.Join(t.TempDir(), "races.jsonl")
	res, err := ToFile(context.Background(), s.DB(), path, Options{})
	if err != nil {
		t.Fatalf("ToFile() failed: %v", err)
	}
	if res.Races != 2 {
		t.Errorf("Races = %d, want 2", res.Races)
	}
}
