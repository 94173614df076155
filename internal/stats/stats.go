// Package stats derives read-only rollups from the snapshot and the outcome
// history. It holds no state of its own.
package stats

import (
	"context"
	"fmt"
	"time"

	"tickwatch/internal/domain"
	"tickwatch/internal/repo"
)

type View struct {
	Repo     repo.Repo
	Now      func() time.Time
	Location *time.Location
}

func (v View) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v View) location() *time.Location {
	if v.Location != nil {
		return v.Location
	}
	return time.Local
}

// Statistics combines the open-task count with the outcome rollups.
func (v View) Statistics(ctx context.Context) (domain.Statistics, error) {
	now := v.now()
	loc := v.location()
	dayStart, dayEnd := TodayRange(now, loc)
	return v.Repo.OutcomeStatistics(ctx, repo.StatsBounds{
		DayStart:  dayStart,
		DayEnd:    dayEnd,
		WeekStart: WeekStart(now, loc),
	})
}

// CompletedToday lists today's completions with the same bounds the
// statistics use.
func (v View) CompletedToday(ctx context.Context) ([]domain.CompletionRecord, error) {
	start, end := TodayRange(v.now(), v.location())
	return v.Repo.ListCompletions(ctx, repo.CompletionFilter{Start: &start, End: &end})
}

// StartOfDay is midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay is the last stored-time instant of t's calendar date in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	start := StartOfDay(t, loc)
	return start.AddDate(0, 0, 1).Add(-time.Millisecond)
}

// TodayRange is the inclusive range covering now's calendar date in loc.
func TodayRange(now time.Time, loc *time.Location) (time.Time, time.Time) {
	return StartOfDay(now, loc), EndOfDay(now, loc)
}

// WeekStart is Monday 00:00 of the week containing now.
func WeekStart(now time.Time, loc *time.Location) time.Time {
	day := StartOfDay(now, loc)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

const dateOnly = "2006-01-02"

// ParseBound reads a range bound. A bare date means the start of that day in
// loc, or its last instant when end is set. Anything else must be a timestamp
// in RFC 3339 or the upstream form ("2024-01-15T10:00:00.000+0000").
func ParseBound(s string, loc *time.Location, end bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseInLocation(dateOnly, s, loc); err == nil {
		if end {
			d = EndOfDay(d, loc)
		}
		return &d, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, ok := domain.ParseTime(s); ok {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid date %q: want YYYY-MM-DD, RFC 3339 or 2006-01-02T15:04:05.000-0700", s)
}
