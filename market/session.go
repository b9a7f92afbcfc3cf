package market

import (
	"fmt"
	"time"
	_ "time/tzdata" // containers often ship without zoneinfo
)

const (
	VarietyRegular = "REGULAR"
	VarietyAMO     = "AMO"
)

// Session describes one exchange's trading day in its local timezone.
// Weekends are closed; exchange holidays are not modelled.
type Session struct {
	loc            *time.Location
	open           clockTime
	close          clockTime
	retryCutoff    clockTime
	postCloseGrace time.Duration
}

type clockTime struct{ hour, min int }

func parseClockTime(s string) (clockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clockTime{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return clockTime{hour: t.Hour(), min: t.Minute()}, nil
}

// NewSession builds a session from HH:MM strings.
func NewSession(tz, open, close, retryCutoff string, grace time.Duration) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	s := &Session{loc: loc, postCloseGrace: grace}
	if s.open, err = parseClockTime(open); err != nil {
		return nil, err
	}
	if s.close, err = parseClockTime(close); err != nil {
		return nil, err
	}
	if s.retryCutoff, err = parseClockTime(retryCutoff); err != nil {
		return nil, err
	}
	return s, nil
}

// Location is the exchange timezone.
func (s *Session) Location() *time.Location { return s.loc }

func (s *Session) at(day time.Time, ct clockTime) time.Time {
	d := day.In(s.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), ct.hour, ct.min, 0, 0, s.loc)
}

// OpenAt returns the session open on t's exchange-local date.
func (s *Session) OpenAt(t time.Time) time.Time { return s.at(t, s.open) }

// CloseAt returns the session close on t's exchange-local date.
func (s *Session) CloseAt(t time.Time) time.Time { return s.at(t, s.close) }

// Day is the exchange-local calendar date of t.
func (s *Session) Day(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// SameDay reports whether a and b fall on the same exchange-local date.
func (s *Session) SameDay(a, b time.Time) bool {
	return s.Day(a) == s.Day(b)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsMarketHours is true between open (inclusive) and close (exclusive) on weekdays.
func (s *Session) IsMarketHours(t time.Time) bool {
	local := t.In(s.loc)
	if isWeekend(local) {
		return false
	}
	return !local.Before(s.OpenAt(local)) && local.Before(s.CloseAt(local))
}

// Variety picks REGULAR during market hours and AMO otherwise.
func (s *Session) Variety(t time.Time) string {
	if s.IsMarketHours(t) {
		return VarietyRegular
	}
	return VarietyAMO
}

// AssumeCancelled decides whether an order missing from both the live book and
// the order report can be treated as auto-cancelled by the broker. It requires
// the order to have been placed on now's date before the close, and now to be
// at least the grace period past that close.
func (s *Session) AssumeCancelled(placedAt, now time.Time) bool {
	if placedAt.IsZero() || !s.SameDay(placedAt, now) {
		return false
	}
	closeAt := s.CloseAt(now)
	if !placedAt.Before(closeAt) {
		return false
	}
	return !now.Before(closeAt.Add(s.postCloseGrace))
}

// RetryEligible reports whether a balance-failed order first seen at
// firstFailed may still be re-attempted at now: any time on the same day, or on
// the following calendar day strictly before the retry cutoff.
func (s *Session) RetryEligible(firstFailed, now time.Time) bool {
	if firstFailed.IsZero() {
		return false
	}
	if s.SameDay(firstFailed, now) {
		return true
	}
	local := now.In(s.loc)
	yesterday := local.AddDate(0, 0, -1)
	if s.Day(firstFailed) != s.Day(yesterday) {
		return false
	}
	return local.Before(s.at(local, s.retryCutoff))
}
