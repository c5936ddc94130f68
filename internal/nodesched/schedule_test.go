package nodesched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextRunAtManualNeverFires(t *testing.T) {
	next, err := NextRunAt(types.Schedule{Frequency: types.ScheduleManual}, time.UTC, utc(2026, 7, 30, 10, 0))
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}

func TestNextRunAtDailyLaterTodayIfNotYetPassed(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleDaily, TimeOfDay: "23:00"}
	next, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 7, 30, 23, 0), next)
}

func TestNextRunAtDailyRollsToTomorrowWhenPassed(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleDaily, TimeOfDay: "02:00"}
	next, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 7, 31, 2, 0), next)
}

func TestNextRunAtWeeklyPicksNextMatchingWeekday(t *testing.T) {
	// 2026-07-30 is a Thursday (weekday 4). Schedule runs Mon(1) and Fri(5).
	sched := types.Schedule{Frequency: types.ScheduleWeekly, TimeOfDay: "09:00", DayMask: "1,5"}
	next, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, time.Friday, next.Weekday())
	assert.Equal(t, utc(2026, 7, 31, 9, 0), next)
}

func TestNextRunAtWeeklySameDayLaterTime(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleWeekly, TimeOfDay: "23:00", DayMask: "4"} // Thursday
	next, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 7, 30, 23, 0), next)
}

func TestNextRunAtMonthlyPicksNextMatchingDay(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleMonthly, TimeOfDay: "00:30", DayMask: "1,15"}
	next, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2026, 8, 1, 0, 30), next)
}

func TestNextRunAtMonthlySkipsShortMonthsForDay31(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleMonthly, TimeOfDay: "00:00", DayMask: "31"}
	next, err := NextRunAt(sched, time.UTC, utc(2026, 1, 31, 1, 0))
	require.NoError(t, err)
	// February has no 31st; next occurrence is March.
	assert.Equal(t, utc(2026, 3, 31, 0, 0), next)
}

func TestNextRunAtRejectsInvalidTimeOfDay(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleDaily, TimeOfDay: "25:99"}
	_, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	assert.Error(t, err)
}

func TestNextRunAtWeeklyRejectsEmptyDayMask(t *testing.T) {
	sched := types.Schedule{Frequency: types.ScheduleWeekly, TimeOfDay: "09:00"}
	_, err := NextRunAt(sched, time.UTC, utc(2026, 7, 30, 10, 0))
	assert.Error(t, err)
}

func TestParseDayMaskSkipsBlankEntries(t *testing.T) {
	days, err := ParseDayMask("1, 3,, 5")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, days)
}

func TestParseDayMaskEmptyStringYieldsNil(t *testing.T) {
	days, err := ParseDayMask("")
	require.NoError(t, err)
	assert.Nil(t, days)
}

func TestLoadSiteLocationFallsBackToDefaultForUnknownZone(t *testing.T) {
	loc := LoadSiteLocation("Not/AZone")
	assert.Equal(t, DefaultTimezone, loc.String())
}

func TestLoadSiteLocationDefaultsWhenEmpty(t *testing.T) {
	loc := LoadSiteLocation("")
	assert.Equal(t, DefaultTimezone, loc.String())
}
