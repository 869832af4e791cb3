package calculator

import (
	"time"

	"AutoInvest/internal/model"
)

// NextRun returns the first occurrence of the rule strictly after ref.
//
// The result depends only on its arguments. anchor is the schedule start date:
// biweekly schedules step 14 days from the first matching weekday on or after it,
// quarterly schedules run in months congruent to its month modulo 3.
func NextRun(rule model.Recurrence, freq model.Frequency, anchor, ref time.Time, loc *time.Location) (time.Time, error) {
	if err := rule.Validate(freq); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	hh, mm, _ := model.ParseClock(rule.Time)

	switch freq {
	case model.FrequencyMonthly:
		return nextMonthly(rule.Day, 1, anchor, ref, loc, hh, mm), nil
	case model.FrequencyQuarterly:
		return nextMonthly(rule.Day, 3, anchor, ref, loc, hh, mm), nil
	case model.FrequencyWeekly:
		return nextWeekly(time.Weekday(rule.Day), ref, loc, hh, mm), nil
	default:
		return nextBiweekly(time.Weekday(rule.Day), anchor, ref, loc, hh, mm), nil
	}
}

// FirstRun seeds a new schedule: the first occurrence on or after the start
// date that is also strictly after now.
func FirstRun(rule model.Recurrence, freq model.Frequency, start, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	seed := StartOfDay(start, loc).Add(-time.Nanosecond)
	if now.After(seed) {
		seed = now
	}
	return NextRun(rule, freq, start, seed, loc)
}

// StartOfDay returns local midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func nextMonthly(day, step int, anchor, ref time.Time, loc *time.Location, hh, mm int) time.Time {
	local := ref.In(loc)
	y, m := local.Year(), local.Month()
	if step > 1 {
		a := anchor.In(loc)
		diff := monthIndex(y, m) - monthIndex(a.Year(), a.Month())
		off := ((diff % step) + step) % step
		y, m = addMonths(y, m, -off)
	}
	for {
		d := day
		if n := DaysInMonth(y, m); d > n {
			d = n
		}
		cand := time.Date(y, m, d, hh, mm, 0, 0, loc)
		if cand.After(ref) {
			return cand
		}
		y, m = addMonths(y, m, step)
	}
}

func nextWeekly(dow time.Weekday, ref time.Time, loc *time.Location, hh, mm int) time.Time {
	local := ref.In(loc)
	for i := 0; ; i++ {
		cand := time.Date(local.Year(), local.Month(), local.Day()+i, hh, mm, 0, 0, loc)
		if cand.Weekday() == dow && cand.After(ref) {
			return cand
		}
	}
}

func nextBiweekly(dow time.Weekday, anchor, ref time.Time, loc *time.Location, hh, mm int) time.Time {
	a := anchor.In(loc)
	offset := (int(dow) - int(a.Weekday()) + 7) % 7
	base := time.Date(a.Year(), a.Month(), a.Day()+offset, 0, 0, 0, 0, time.UTC)

	local := ref.In(loc)
	days := civilDays(local.Year(), local.Month(), local.Day()) - civilDays(base.Year(), base.Month(), base.Day())
	k := 0
	if days > 0 {
		k = days / 14
	}
	for ; ; k++ {
		cand := time.Date(base.Year(), base.Month(), base.Day()+14*k, hh, mm, 0, 0, loc)
		if cand.After(ref) {
			return cand
		}
	}
}

func monthIndex(y int, m time.Month) int { return y*12 + int(m) - 1 }

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	idx := monthIndex(y, m) + n
	return idx / 12, time.Month(idx%12 + 1)
}

func civilDays(y int, m time.Month, d int) int {
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}
