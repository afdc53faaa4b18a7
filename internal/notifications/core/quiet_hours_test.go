package core

import (
	"testing"
	"time"

	"crewdesk/internal/types"
)

// mockClock implements types.Clock for deterministic testing.
type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }

// mockLogger implements types.Logger and counts errors.
type mockLogger struct {
	errors int
}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) { l.errors++ }
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func nyQuiet() types.QuietHours {
	return types.QuietHours{Enabled: true, Start: "21:00", End: "08:00", Timezone: "America/New_York"}
}

func TestQuietHours_OvernightWindow(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	tests := []struct {
		name      string
		local     time.Time
		wantQuiet bool
		wantEnd   time.Time
	}{
		{"before midnight", time.Date(2026, 3, 10, 22, 30, 0, 0, ny), true, time.Date(2026, 3, 11, 8, 0, 0, 0, ny)},
		{"after midnight", time.Date(2026, 3, 11, 3, 0, 0, 0, ny), true, time.Date(2026, 3, 11, 8, 0, 0, 0, ny)},
		{"at start", time.Date(2026, 3, 10, 21, 0, 0, 0, ny), true, time.Date(2026, 3, 11, 8, 0, 0, 0, ny)},
		{"at end", time.Date(2026, 3, 11, 8, 0, 0, 0, ny), false, time.Time{}},
		{"midday", time.Date(2026, 3, 11, 13, 0, 0, 0, ny), false, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewQuietHoursEvaluator(&mockClock{now: tt.local.UTC()}, &mockLogger{})
			got := e.Evaluate(nyQuiet())
			if got.Quiet != tt.wantQuiet {
				t.Fatalf("Quiet = %v, want %v (%s)", got.Quiet, tt.wantQuiet, got.Reason)
			}
			if tt.wantQuiet && !got.ResumeAt.Equal(tt.wantEnd) {
				t.Errorf("ResumeAt = %s, want %s", got.ResumeAt, tt.wantEnd.UTC())
			}
		})
	}
}

func TestQuietHours_SameDayWindow(t *testing.T) {
	qh := types.QuietHours{Enabled: true, Start: "12:00", End: "13:30", Timezone: "UTC"}
	e := NewQuietHoursEvaluator(&mockClock{now: time.Date(2026, 3, 10, 12, 45, 0, 0, time.UTC)}, &mockLogger{})

	got := e.Evaluate(qh)
	if !got.Quiet {
		t.Fatal("expected quiet")
	}
	if want := time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC); !got.ResumeAt.Equal(want) {
		t.Errorf("ResumeAt = %s, want %s", got.ResumeAt, want)
	}
}

func TestQuietHours_DisabledAndEmptyWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	e := NewQuietHoursEvaluator(&mockClock{now: now}, &mockLogger{})

	disabled := nyQuiet()
	disabled.Enabled = false
	if e.Evaluate(disabled).Quiet {
		t.Error("disabled window must not be quiet")
	}

	empty := types.QuietHours{Enabled: true, Start: "23:00", End: "23:00", Timezone: "UTC"}
	if e.Evaluate(empty).Quiet {
		t.Error("start == end is an empty window")
	}
}

func TestQuietHours_MisconfiguredFailsOpen(t *testing.T) {
	logger := &mockLogger{}
	e := NewQuietHoursEvaluator(&mockClock{now: time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)}, logger)

	for _, qh := range []types.QuietHours{
		{Enabled: true, Start: "9pm", End: "08:00", Timezone: "UTC"},
		{Enabled: true, Start: "21:00", End: "25:00", Timezone: "UTC"},
		{Enabled: true, Start: "21:00", End: "08:00", Timezone: "Mars/Olympus"},
	} {
		if e.Evaluate(qh).Quiet {
			t.Errorf("%+v: expected fail-open", qh)
		}
	}
	if logger.errors != 3 {
		t.Errorf("expected 3 logged errors, got %d", logger.errors)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	valid := map[string]timeOfDay{
		"00:00": {0, 0},
		"08:00": {8, 0},
		"21:30": {21, 30},
		"23:59": {23, 59},
	}
	for s, want := range valid {
		got, err := parseTimeOfDay(s)
		if err != nil {
			t.Errorf("parseTimeOfDay(%q): unexpected error: %v", s, err)
			continue
		}
		if got != want {
			t.Errorf("parseTimeOfDay(%q) = %+v, want %+v", s, got, want)
		}
	}

	for _, s := range []string{"08:00pm", "21:00:00", "21:00 ", "24:00", "12:60", "9pm", "", "21-00"} {
		if _, err := parseTimeOfDay(s); err == nil {
			t.Errorf("parseTimeOfDay(%q): expected error", s)
		}
	}
}

func TestQuietHours_TrailingJunkFailsOpen(t *testing.T) {
	logger := &mockLogger{}
	e := NewQuietHoursEvaluator(&mockClock{now: time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)}, logger)

	if e.Evaluate(types.QuietHours{Enabled: true, Start: "08:00pm", End: "08:00", Timezone: "UTC"}).Quiet {
		t.Error("expected fail-open for 08:00pm")
	}
	if logger.errors != 1 {
		t.Errorf("expected 1 logged error, got %d", logger.errors)
	}
}

func TestNextQuietEnd(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	tests := []struct {
		name  string
		local time.Time
		want  time.Time
	}{
		{"late evening rolls to tomorrow", time.Date(2026, 3, 10, 22, 0, 0, 0, ny), time.Date(2026, 3, 11, 8, 0, 0, 0, ny)},
		{"early morning uses today", time.Date(2026, 3, 11, 6, 15, 0, 0, ny), time.Date(2026, 3, 11, 8, 0, 0, 0, ny)},
		{"exactly at end rolls", time.Date(2026, 3, 11, 8, 0, 0, 0, ny), time.Date(2026, 3, 12, 8, 0, 0, 0, ny)},
		{"across DST change", time.Date(2026, 3, 7, 23, 0, 0, 0, ny), time.Date(2026, 3, 8, 8, 0, 0, 0, ny)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextQuietEnd(nyQuiet(), tt.local.UTC())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want.UTC())
			}
			if got.Location() != time.UTC {
				t.Errorf("expected UTC result, got %s", got.Location())
			}
		})
	}
}

func TestNextQuietEnd_InvalidTimezone(t *testing.T) {
	qh := nyQuiet()
	qh.Timezone = "Nowhere/Special"
	if _, err := NextQuietEnd(qh, time.Now()); err == nil {
		t.Error("expected error for invalid timezone")
	}
}
