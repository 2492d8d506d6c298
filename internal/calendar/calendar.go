// Package calendar holds the process-wide business calendar: working weekdays, opening hours,
// slot length and how far ahead bookings may be made.
package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/slot-reservation-engine/internal/config"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Provider supplies the business calendar. It takes no input.
type Provider interface {
	BusinessCalendar() Settings
}

type Settings struct {
	WorkingDays  []time.Weekday
	Start        time.Duration // offset from midnight
	End          time.Duration // exclusive
	SlotDuration time.Duration
	MaxAdvance   time.Duration
	Location     *time.Location
}

// Static is a Provider backed by fixed settings.
type Static struct {
	settings Settings
}

func NewStatic(s Settings) Static {
	if s.Location == nil {
		s.Location = time.UTC
	}
	return Static{settings: s}
}

func (s Static) BusinessCalendar() Settings { return s.settings }

// FromConfig builds settings from the loaded configuration.
func FromConfig(cfg config.Config) (Settings, error) {
	start, err := ParseClock(cfg.BusinessStart)
	if err != nil {
		return Settings{}, fmt.Errorf("business start: %w", err)
	}
	end, err := ParseClock(cfg.BusinessEnd)
	if err != nil {
		return Settings{}, fmt.Errorf("business end: %w", err)
	}
	if end <= start {
		return Settings{}, errors.New("business end must be after business start")
	}
	if cfg.SlotDuration <= 0 {
		return Settings{}, errors.New("slot duration must be positive")
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return Settings{}, fmt.Errorf("business timezone: %w", err)
	}

	return Settings{
		WorkingDays:  cfg.WorkingDays,
		Start:        start,
		End:          end,
		SlotDuration: cfg.SlotDuration,
		MaxAdvance:   time.Duration(cfg.MaxAdvanceDays) * 24 * time.Hour,
		Location:     loc,
	}, nil
}

// ParseClock parses HH:MM into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Loc is the calendar time zone, UTC when unset.
func (s Settings) Loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

func (s Settings) IsWorkingDay(t time.Time) bool {
	wd := t.In(s.Loc()).Weekday()
	for _, d := range s.WorkingDays {
		if d == wd {
			return true
		}
	}
	return false
}

// WithinHours reports whether t falls in [Start, End) on its own day.
func (s Settings) WithinHours(t time.Time) bool {
	t = t.In(s.Loc())
	off := t.Sub(s.Midnight(t))
	return off >= s.Start && off < s.End
}

// Midnight returns the start of t's day in the calendar location.
func (s Settings) Midnight(t time.Time) time.Time {
	t = t.In(s.Loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.Loc())
}

// DaySlots lists slot start times (HH:MM) from opening until closing.
func (s Settings) DaySlots() []string {
	if s.SlotDuration <= 0 {
		return nil
	}
	var out []string
	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for off := s.Start; off < s.End; off += s.SlotDuration {
		out = append(out, base.Add(off).Format(TimeLayout))
	}
	return out
}

// ParseDate parses YYYY-MM-DD as midnight in the calendar location.
func (s Settings) ParseDate(v string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, v, s.Loc())
}

// ParseTimestamp accepts RFC 3339 or a zone-less "YYYY-MM-DD HH:MM[:SS]" read in the calendar location.
func (s Settings) ParseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(s.Loc()), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, s.Loc()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}

// SlotKey splits t into its date and HH:MM parts in the calendar location.
func (s Settings) SlotKey(t time.Time) (date, clock string) {
	t = t.In(s.Loc())
	return t.Format(DateLayout), t.Format(TimeLayout)
}

// At combines a date and HH:MM into a timestamp.
func (s Settings) At(date, clock string) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, date+" "+clock, s.Loc())
}
