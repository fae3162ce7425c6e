package calendar

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govtech/internal/config"
)

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	return loc
}

func TestAddBusinessHoursWithinDay(t *testing.T) {
	loc := saoPaulo(t)
	cal, err := New(loc, 8*60, 17*60, nil)
	require.NoError(t, err)

	// Wednesday 2025-03-12 09:00
	from := time.Date(2025, 3, 12, 9, 0, 0, 0, loc)
	got := cal.AddBusinessHours(from, 4)
	require.True(t, got.Equal(time.Date(2025, 3, 12, 13, 0, 0, 0, loc)), got)
}

func TestAddBusinessHoursRollsOverNightAndWeekend(t *testing.T) {
	loc := saoPaulo(t)
	cal, err := New(loc, 8*60, 17*60, nil)
	require.NoError(t, err)

	// Friday 15:00 + 4h: 2h on Friday, 2h on Monday.
	from := time.Date(2025, 3, 14, 15, 0, 0, 0, loc)
	got := cal.AddBusinessHours(from, 4)
	require.True(t, got.Equal(time.Date(2025, 3, 17, 10, 0, 0, 0, loc)), got)

	// Saturday submission starts counting Monday 08:00.
	sat := time.Date(2025, 3, 15, 11, 0, 0, 0, loc)
	got = cal.AddBusinessHours(sat, 1)
	require.True(t, got.Equal(time.Date(2025, 3, 17, 9, 0, 0, 0, loc)), got)

	// Before opening counts from opening.
	early := time.Date(2025, 3, 12, 6, 30, 0, 0, loc)
	got = cal.AddBusinessHours(early, 0.5)
	require.True(t, got.Equal(time.Date(2025, 3, 12, 8, 30, 0, 0, loc)), got)
}

func TestAddBusinessHoursSkipsHolidays(t *testing.T) {
	loc := saoPaulo(t)
	// 2025-04-21 (Monday) is a recurring holiday, 2025-04-22 a fixed one.
	cal, err := New(loc, 8*60, 17*60, []string{"04-21", "2025-04-22"})
	require.NoError(t, err)

	from := time.Date(2025, 4, 18, 16, 0, 0, 0, loc) // Friday
	got := cal.AddBusinessHours(from, 2)
	require.True(t, got.Equal(time.Date(2025, 4, 23, 9, 0, 0, 0, loc)), got)

	require.False(t, cal.IsBusinessDay(time.Date(2026, 4, 21, 12, 0, 0, 0, loc)))
	require.True(t, cal.IsBusinessDay(time.Date(2026, 4, 22, 12, 0, 0, 0, loc)))
}

func TestAddBusinessHoursMultiDay(t *testing.T) {
	loc := saoPaulo(t)
	cal, err := New(loc, 8*60, 17*60, nil)
	require.NoError(t, err)

	// 24 business hours from Monday 08:00 = 9h Mon, 9h Tue, 6h Wed.
	from := time.Date(2025, 3, 10, 8, 0, 0, 0, loc)
	got := cal.AddBusinessHours(from, 24)
	require.True(t, got.Equal(time.Date(2025, 3, 12, 14, 0, 0, 0, loc)), got)
}

func TestZeroHoursReturnsInput(t *testing.T) {
	cal, err := New(time.UTC, 8*60, 17*60, nil)
	require.NoError(t, err)
	from := time.Date(2025, 3, 15, 23, 0, 0, 0, time.UTC)
	require.True(t, cal.AddBusinessHours(from, 0).Equal(from))
}

func TestAddBusinessHoursRejectsUnusableAmounts(t *testing.T) {
	cal, err := New(time.UTC, 8*60, 17*60, nil)
	require.NoError(t, err)
	from := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	require.True(t, cal.AddBusinessHours(from, math.NaN()).Equal(from))

	// Overflowing amounts are capped, so the deadline stays in the future.
	got := cal.AddBusinessHours(from, math.Inf(1))
	require.True(t, got.After(from.AddDate(1, 0, 0)), got)
	require.True(t, cal.AddBusinessHours(from, 1e12).Equal(got))
}

func TestFromConfig(t *testing.T) {
	cal, err := FromConfig(config.Default())
	require.NoError(t, err)
	require.Equal(t, "America/Sao_Paulo", cal.Location().String())
	require.False(t, cal.IsBusinessDay(time.Date(2025, 12, 25, 12, 0, 0, 0, cal.Location())))

	_, err = New(time.UTC, 17*60, 8*60, nil)
	require.Error(t, err)
	_, err = New(time.UTC, 8*60, 17*60, []string{"tomorrow"})
	require.Error(t, err)
}
