package nodesched

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

// DefaultTimezone is used whenever a Site's Timezone is unset.
const DefaultTimezone = "Africa/Harare"

// LoadSiteLocation resolves a site's IANA zone name, falling back to
// DefaultTimezone when empty or unrecognized.
func LoadSiteLocation(tz string) *time.Location {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return loc
}

// ParseDayMask parses a CSV bitfield exactly as accepted at the API:
// weekday indices (0=Sunday) for ScheduleWeekly, day-of-month values for
// ScheduleMonthly. Blank entries are skipped; an empty (or all-whitespace)
// string yields nil, and a mask of only blank entries an empty slice.
func ParseDayMask(csv string) ([]int, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	days := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid day mask entry %q: %w", p, err)
		}
		days = append(days, v)
	}
	return days, nil
}

func parseTimeOfDay(hhmm string) (hour, minute int, err error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", hhmm)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}

// NextRunAt computes the next time sched should fire strictly after
// `after`, in loc. ScheduleManual never fires and returns the zero
// time. A malformed schedule is reported as an error rather than
// silently defaulting, so a bad API input surfaces at write time via
// the caller, not as a silently-skipped site.
func NextRunAt(sched types.Schedule, loc *time.Location, after time.Time) (time.Time, error) {
	if sched.Frequency == types.ScheduleManual {
		return time.Time{}, nil
	}

	hour, minute, err := parseTimeOfDay(sched.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	localAfter := after.In(loc)

	switch sched.Frequency {
	case types.ScheduleDaily:
		return nextDaily(localAfter, hour, minute), nil

	case types.ScheduleWeekly:
		weekdays, err := ParseDayMask(sched.DayMask)
		if err != nil {
			return time.Time{}, err
		}
		if len(weekdays) == 0 {
			return time.Time{}, fmt.Errorf("weekly schedule requires a non-empty day_mask")
		}
		return nextWeekly(localAfter, weekdays, hour, minute), nil

	case types.ScheduleMonthly:
		daysOfMonth, err := ParseDayMask(sched.DayMask)
		if err != nil {
			return time.Time{}, err
		}
		if len(daysOfMonth) == 0 {
			return time.Time{}, fmt.Errorf("monthly schedule requires a non-empty day_mask")
		}
		return nextMonthly(localAfter, daysOfMonth, hour, minute), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule frequency %q", sched.Frequency)
	}
}

func nextDaily(after time.Time, hour, minute int) time.Time {
	candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextWeekly(after time.Time, weekdays []int, hour, minute int) time.Time {
	set := make(map[int]bool, len(weekdays))
	for _, d := range weekdays {
		set[((d%7)+7)%7] = true
	}
	for offset := 0; offset <= 7; offset++ {
		day := after.AddDate(0, 0, offset)
		if !set[int(day.Weekday())] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, after.Location())
		if candidate.After(after) {
			return candidate
		}
	}
	// Unreachable for a non-empty weekday set: within 8 days every
	// weekday recurs at least once after `after`.
	return after.AddDate(0, 0, 7)
}

func nextMonthly(after time.Time, daysOfMonth []int, hour, minute int) time.Time {
	set := make(map[int]bool, len(daysOfMonth))
	for _, d := range daysOfMonth {
		set[d] = true
	}
	year, month := after.Year(), after.Month()
	for monthOffset := 0; monthOffset <= 12; monthOffset++ {
		y, m := addMonths(year, month, monthOffset)
		daysInMonth := daysIn(y, m, after.Location())
		for day := 1; day <= daysInMonth; day++ {
			if !set[day] {
				continue
			}
			candidate := time.Date(y, m, day, hour, minute, 0, 0, after.Location())
			if candidate.After(after) {
				return candidate
			}
		}
	}
	// Every day-of-month value in daysOfMonth exceeds every month's
	// length (e.g. only "31" and Feb is next) — fall back a year out.
	return after.AddDate(1, 0, 0)
}

func addMonths(year int, month time.Month, offset int) (int, time.Month) {
	total := int(month) - 1 + offset
	y := year + total/12
	m := time.Month(total%12 + 1)
	return y, m
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}
