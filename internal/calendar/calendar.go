// Package calendar computes deadlines in business hours: a configured daily
// window, Monday to Friday, minus holidays, in one timezone.
package calendar

import (
	"fmt"
	"math"
	"time"

	"github.com/rickar/cal/v2"

	"govtech/internal/config"
	"govtech/internal/domain"
)

type Calendar struct {
	loc      *time.Location
	business *cal.BusinessCalendar
}

// New builds a calendar. Holidays are YYYY-MM-DD dates or MM-DD recurring dates.
func New(loc *time.Location, startMinutes, endMinutes int, holidays []string) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	if startMinutes < 0 || endMinutes > 24*60 || endMinutes <= startMinutes {
		return nil, fmt.Errorf("calendar: invalid business window %d-%d", startMinutes, endMinutes)
	}
	bc := cal.NewBusinessCalendar()
	bc.SetWorkHours(time.Duration(startMinutes)*time.Minute, time.Duration(endMinutes)*time.Minute)
	for _, h := range holidays {
		hol, err := parseHoliday(h)
		if err != nil {
			return nil, err
		}
		bc.AddHoliday(hol)
	}
	return &Calendar{loc: loc, business: bc}, nil
}

func parseHoliday(s string) (*cal.Holiday, error) {
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return &cal.Holiday{
			Name:      s,
			Month:     d.Month(),
			Day:       d.Day(),
			StartYear: d.Year(),
			EndYear:   d.Year(),
			Func:      cal.CalcDayOfMonth,
		}, nil
	}
	if d, err := time.Parse("01-02", s); err == nil {
		return &cal.Holiday{
			Name:  s,
			Month: d.Month(),
			Day:   d.Day(),
			Func:  cal.CalcDayOfMonth,
		}, nil
	}
	return nil, fmt.Errorf("calendar: invalid holiday %q", s)
}

func FromConfig(cfg *config.Config) (*Calendar, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	start, err := config.ParseClock(cfg.Calendar.Start)
	if err != nil {
		return nil, err
	}
	end, err := config.ParseClock(cfg.Calendar.End)
	if err != nil {
		return nil, err
	}
	return New(loc, start, end, cfg.Calendar.Holidays)
}

func (c *Calendar) Location() *time.Location { return c.loc }

// IsBusinessDay reports whether the date of t, in the calendar timezone, is a
// weekday that is not a holiday.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	return c.business.IsWorkday(t.In(c.loc))
}

// AddBusinessHours returns the instant at which the given amount of business
// time has elapsed after from. Non-positive or NaN amounts return from
// unchanged; amounts above domain.MaxDurationHours are capped.
func (c *Calendar) AddBusinessHours(from time.Time, hours float64) time.Time {
	if math.IsNaN(hours) || hours <= 0 {
		return from
	}
	hours = math.Min(hours, domain.MaxDurationHours)
	return c.business.AddWorkHours(from.In(c.loc), time.Duration(hours*float64(time.Hour)))
}
