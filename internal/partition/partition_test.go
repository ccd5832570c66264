package partition

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func mustDef(t *testing.T, c Cadence, start, end string) *TimeWindow {
	t.Helper()
	d, err := New(c, start, end)
	if err != nil {
		t.Fatalf("New(%s, %s, %s): %v", c, start, end, err)
	}
	return d
}

func TestKeys(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		def   *TimeWindow
		now   time.Time
		first string
		last  string
		count int
	}{
		{"monthly default", mustDef(t, Monthly, "2023-01-01", "2023-04-01"), now, "2023-01-01", "2023-03-01", 3},
		{"weekly default", mustDef(t, Weekly, "2023-01-01", "2023-04-01"), now, "2023-01-01", "2023-03-19", 12},
		{"monthly open ended", mustDef(t, Monthly, "2023-01-01", ""), time.Date(2023, 5, 15, 0, 0, 0, 0, time.UTC), "2023-01-01", "2023-04-01", 4},
		{"weekly mid-week start", mustDef(t, Weekly, "2023-01-04", "2023-02-01"), now, "2023-01-08", "2023-01-22", 3},
		{"monthly mid-month start", mustDef(t, Monthly, "2023-01-15", "2023-04-01"), now, "2023-02-01", "2023-03-01", 2},
	}
	for _, tc := range cases {
		keys := tc.def.Keys(tc.now)
		if len(keys) != tc.count || keys[0] != tc.first || keys[len(keys)-1] != tc.last {
			t.Fatalf("%s: keys = %v", tc.name, keys)
		}
	}
}

func TestWindowAndContains(t *testing.T) {
	t.Parallel()

	d := mustDef(t, Monthly, "2023-01-01", "2023-04-01")
	w, err := d.Window("2023-02-01")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	want := Window{Key: "2023-02-01", Start: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)}
	if diff := cmp.Diff(want, w); diff != "" {
		t.Fatalf("window (-want +got):\n%s", diff)
	}

	for key, ok := range map[string]bool{
		"2023-01-01": true,
		"2023-03-01": true,
		"2023-04-01": false,
		"2022-12-01": false,
		"2023-01-15": false,
		"garbage":    false,
	} {
		if got := d.Contains(key, now); got != ok {
			t.Fatalf("Contains(%q) = %v, want %v", key, got, ok)
		}
	}
	if _, err := d.Window("2023-01-15"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("misaligned key err = %v", err)
	}
}

func TestLastCompleteKey(t *testing.T) {
	t.Parallel()

	monthly := mustDef(t, Monthly, "2023-01-01", "2023-04-01")
	weekly := mustDef(t, Weekly, "2023-01-01", "2023-04-01")
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	cases := []struct {
		name string
		def  *TimeWindow
		tick time.Time
		key  string
		ok   bool
	}{
		{"monthly schedule tick", monthly, time.Date(2023, 2, 5, 0, 0, 0, 0, time.UTC), "2023-01-01", true},
		{"last monthly partition", monthly, time.Date(2023, 4, 5, 0, 0, 0, 0, time.UTC), "2023-03-01", true},
		{"after end", monthly, time.Date(2023, 5, 5, 0, 0, 0, 0, time.UTC), "2023-04-01", false},
		{"before first window closed", monthly, time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC), "2022-12-01", false},
		{"weekly monday tick", weekly, time.Date(2023, 1, 9, 0, 0, 0, 0, time.UTC), "2023-01-01", true},
		{"weekly tick in scheduler zone", weekly, time.Date(2023, 3, 27, 0, 0, 0, 0, ny), "2023-03-19", true},
	}
	for _, tc := range cases {
		key, ok := tc.def.LastCompleteKey(tc.tick)
		if key != tc.key || ok != tc.ok {
			t.Fatalf("%s: got (%q, %v) want (%q, %v)", tc.name, key, ok, tc.key, tc.ok)
		}
	}
}

func TestKeysBetween(t *testing.T) {
	t.Parallel()

	d := mustDef(t, Monthly, "2023-01-01", "2023-04-01")
	got, err := d.KeysBetween("2023-02-01", "", now)
	if err != nil {
		t.Fatalf("KeysBetween: %v", err)
	}
	if diff := cmp.Diff([]string{"2023-02-01", "2023-03-01"}, got); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if _, err := d.KeysBetween("2023-03-01", "2023-01-01", now); err == nil {
		t.Fatalf("expected reversed range error")
	}
}

func TestMonthOf(t *testing.T) {
	t.Parallel()

	for key, want := range map[string]string{
		"2023-01-01": "2023-01",
		"2023-12-01": "2023-12",
		" 2024-02-01 ": "2024-02",
	} {
		if got := MonthOf(key); got != want {
			t.Fatalf("MonthOf(%q) = %q, want %q", key, got, want)
		}
	}
}
