package core

import (
	"fmt"
	"time"

	"crewdesk/internal/types"
)

// QuietDecision is the outcome of evaluating an organization's quiet hours
// at a point in time.
type QuietDecision struct {
	Quiet bool
	// ResumeAt is when the active window ends. Zero unless Quiet.
	ResumeAt time.Time
	Reason   string
}

// QuietHoursEvaluator decides whether an outbound SMS falls inside an
// organization's quiet window.
//
// Timezone Resolution: windows are evaluated in QuietHours.Timezone, which
// the settings lookup already defaults for organizations that never set one.
type QuietHoursEvaluator struct {
	clock  types.Clock
	logger types.Logger
}

func NewQuietHoursEvaluator(clock types.Clock, logger types.Logger) *QuietHoursEvaluator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &QuietHoursEvaluator{clock: clock, logger: logger}
}

// Evaluate checks qh against the current time. Malformed settings fail open:
// the message is delivered and the problem logged.
func (e *QuietHoursEvaluator) Evaluate(qh types.QuietHours) QuietDecision {
	return e.EvaluateAt(qh, e.clock.Now())
}

// EvaluateAt is Evaluate at an explicit instant.
func (e *QuietHoursEvaluator) EvaluateAt(qh types.QuietHours, now time.Time) QuietDecision {
	if !qh.Enabled {
		return QuietDecision{Reason: "quiet hours disabled"}
	}

	w, err := parseWindow(qh)
	if err != nil {
		e.logger.Error("quiet hours evaluation failed, delivering anyway",
			"error", err.Error(),
			"start", qh.Start,
			"end", qh.End,
			"timezone", qh.Timezone,
		)
		return QuietDecision{Reason: "quiet hours misconfigured, fail-open"}
	}

	inQuiet, resumeAt := isInQuietPeriod(now.In(w.loc), w.start, w.end)
	if !inQuiet {
		return QuietDecision{Reason: "outside quiet hours"}
	}
	return QuietDecision{
		Quiet:    true,
		ResumeAt: resumeAt.UTC(),
		Reason:   fmt.Sprintf("quiet hours active (%s-%s %s)", qh.Start, qh.End, w.loc),
	}
}

// NextQuietEnd returns the next occurrence of the window's end time after
// now, in the window's timezone. Today's end is used unless it has already
// passed, in which case it rolls to tomorrow.
func NextQuietEnd(qh types.QuietHours, now time.Time) (time.Time, error) {
	w, err := parseWindow(qh)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(w.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), w.end.hour, w.end.minute, 0, 0, w.loc)
	if !end.After(local) {
		tomorrow := local.AddDate(0, 0, 1)
		end = time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), w.end.hour, w.end.minute, 0, 0, w.loc)
	}
	return end.UTC(), nil
}

type window struct {
	start, end timeOfDay
	loc        *time.Location
}

func parseWindow(qh types.QuietHours) (window, error) {
	tz := qh.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return window{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	start, err := parseTimeOfDay(qh.Start)
	if err != nil {
		return window{}, fmt.Errorf("invalid quiet hours start %q: %w", qh.Start, err)
	}
	end, err := parseTimeOfDay(qh.End)
	if err != nil {
		return window{}, fmt.Errorf("invalid quiet hours end %q: %w", qh.End, err)
	}
	return window{start: start, end: end, loc: loc}, nil
}

type timeOfDay struct {
	hour   int
	minute int
}

func (t timeOfDay) toMinutes() int {
	return t.hour*60 + t.minute
}

// parseTimeOfDay parses a 24-hour "HH:MM" clock time. Trailing text such as
// "08:00pm" is rejected.
func parseTimeOfDay(s string) (timeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	return timeOfDay{hour: t.Hour(), minute: t.Minute()}, nil
}

// isInQuietPeriod reports whether now falls in [start, end) and, if so, when
// the window closes. start > end is an overnight window; start == end is an
// empty one.
func isInQuietPeriod(now time.Time, start, end timeOfDay) (bool, time.Time) {
	nowMinutes := now.Hour()*60 + now.Minute()
	startMinutes := start.toMinutes()
	endMinutes := end.toMinutes()

	endOn := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), end.hour, end.minute, 0, 0, now.Location())
	}

	switch {
	case startMinutes < endMinutes:
		if nowMinutes >= startMinutes && nowMinutes < endMinutes {
			return true, endOn(now)
		}
	case startMinutes > endMinutes:
		if nowMinutes >= startMinutes {
			// Before midnight.
			return true, endOn(now.AddDate(0, 0, 1))
		}
		if nowMinutes < endMinutes {
			return true, endOn(now)
		}
	}
	return false, time.Time{}
}
