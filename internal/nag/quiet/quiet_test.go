package quiet

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable for %s: %v", name, err)
	}
	return loc
}

func TestAdjustOvernightWindow(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/Berlin")
	w, err := ParseWindow("23:00", "07:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "late evening defers to next morning",
			in:   time.Date(2024, 3, 10, 23, 30, 0, 0, loc),
			want: time.Date(2024, 3, 11, 7, 0, 0, 0, loc),
		},
		{
			name: "noon unchanged",
			in:   time.Date(2024, 3, 10, 12, 0, 0, 0, loc),
			want: time.Date(2024, 3, 10, 12, 0, 0, 0, loc),
		},
		{
			name: "early morning defers same day",
			in:   time.Date(2024, 3, 10, 3, 15, 0, 0, loc),
			want: time.Date(2024, 3, 10, 7, 0, 0, 0, loc),
		},
		{
			name: "start is inclusive",
			in:   time.Date(2024, 3, 10, 23, 0, 0, 0, loc),
			want: time.Date(2024, 3, 11, 7, 0, 0, 0, loc),
		},
		{
			name: "end is exclusive",
			in:   time.Date(2024, 3, 10, 7, 0, 0, 0, loc),
			want: time.Date(2024, 3, 10, 7, 0, 0, 0, loc),
		},
		{
			name: "month rollover",
			in:   time.Date(2024, 1, 31, 23, 59, 0, 0, loc),
			want: time.Date(2024, 2, 1, 7, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Adjust(tt.in.UTC(), loc, w)
			if !got.Equal(tt.want) {
				t.Fatalf("Adjust(%s) = %s, want %s", tt.in, got.In(loc), tt.want)
			}
		})
	}
}

func TestAdjustSameDayWindow(t *testing.T) {
	t.Parallel()
	w, err := ParseWindow("13:00", "14:30")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	in := time.Date(2024, 5, 1, 13, 45, 0, 0, time.UTC)
	if got, want := Adjust(in, time.UTC, w), time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Adjust = %s, want %s", got, want)
	}
	out := time.Date(2024, 5, 1, 23, 45, 0, 0, time.UTC)
	if got := Adjust(out, time.UTC, w); !got.Equal(out) {
		t.Fatalf("Adjust outside window moved to %s", got)
	}
}

func TestAdjustIdempotent(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	windows := []Window{
		{Start: 23 * 60, End: 7 * 60},
		{Start: 0, End: 6 * 60},
		{Start: 12 * 60, End: 13 * 60},
		{Start: 22 * 60, End: 22 * 60},
	}
	base := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	for _, w := range windows {
		// Sweep three days including the spring-forward transition.
		for step := 0; step < 3*24*4; step++ {
			in := base.Add(time.Duration(step) * 15 * time.Minute)
			once := Adjust(in, loc, w)
			twice := Adjust(once, loc, w)
			if !once.Equal(twice) {
				t.Fatalf("window %s: Adjust not idempotent at %s: %s then %s", w, in, once, twice)
			}
			if once.Before(in) {
				t.Fatalf("window %s: Adjust moved %s backwards to %s", w, in, once)
			}
		}
	}
}

func TestAdjustDisabled(t *testing.T) {
	t.Parallel()
	in := time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)
	if got := Adjust(in, time.UTC, Window{Start: 60, End: 60}); !got.Equal(in) {
		t.Fatalf("disabled window moved %s to %s", in, got)
	}
	if got := Adjust(in, nil, Window{}); !got.Equal(in) {
		t.Fatalf("zero window moved %s to %s", in, got)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"00:00", 0, true},
		{"07:05", 425, true},
		{"23:59", 1439, true},
		{" 9:30 ", 570, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"12:5", 0, false},
		{"1230", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Fatalf("ParseClock(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidClock) {
			t.Fatalf("ParseClock(%q) err = %v, want ErrInvalidClock", tt.in, err)
		}
	}
	if got := FormatClock(425); got != "07:05" {
		t.Fatalf("FormatClock = %q", got)
	}
}

func TestLoadFallsBackToUTC(t *testing.T) {
	t.Parallel()
	s, err := Load("Mars/Olympus_Mons", "22:00", "06:00")
	if err == nil {
		t.Fatal("expected error for unknown zone")
	}
	if s.Location() != time.UTC {
		t.Fatalf("Location = %v, want UTC", s.Location())
	}
	if s.Window != (Window{Start: 22 * 60, End: 6 * 60}) {
		t.Fatalf("Window = %+v", s.Window)
	}

	s, err = Load("", "", "")
	if err != nil || !s.Window.Disabled() {
		t.Fatalf("Load empty = %+v, %v", s, err)
	}
}
