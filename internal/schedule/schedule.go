// Package schedule decides whether timer slots and scheduled times are due.
// Every function is pure: the caller supplies "now" in the wall-clock location
// the schedule is written for.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/courier/internal/model"
)

const (
	minutesPerDay = 24 * 60
	dateLayout    = "2006-01-02"
	minuteLayout  = "2006-01-02T15:04"
)

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ParseDate validates a "YYYY-MM-DD" one-shot date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// MinuteKey identifies the wall-clock minute of t; used to fire at most once per minute.
func MinuteKey(t time.Time) string {
	return t.Format(minuteLayout)
}

func clockOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Allowed reports whether now falls in at least one slot. No slots means always allowed.
func Allowed(slots []model.TimerScheduleSlot, now time.Time) bool {
	if len(slots) == 0 {
		return true
	}
	for _, s := range slots {
		if SlotMatches(s, now) {
			return true
		}
	}
	return false
}

// SlotMatches evaluates a single slot: its day rule and then its optional time range.
// A slot with an unparsable time range never matches.
func SlotMatches(slot model.TimerScheduleSlot, now time.Time) bool {
	if !dayMatches(slot, now) {
		return false
	}
	ok, err := inRange(slot.From, slot.To, clockOf(now))
	return err == nil && ok
}

func dayMatches(slot model.TimerScheduleSlot, now time.Time) bool {
	switch slot.Kind {
	case model.SlotKindWeekdays, "":
		if len(slot.Weekdays) == 0 {
			return true
		}
		return containsInt(slot.Weekdays, int(now.Weekday()))
	case model.SlotKindNthWeekday:
		if int(now.Weekday()) != slot.Weekday {
			return false
		}
		return nthMatches(slot.Nth, now)
	case model.SlotKindDayOfMonth:
		return containsInt(slot.DaysOfMonth, now.Day())
	default:
		return false
	}
}

func nthMatches(nth int, now time.Time) bool {
	day := now.Day()
	if nth == -1 {
		return day+7 > daysInMonth(now)
	}
	return (day-1)/7+1 == nth
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// inRange checks from <= clock < to. Empty bounds are open; from > to wraps midnight.
func inRange(from, to string, clock int) (bool, error) {
	lo, hi := 0, minutesPerDay
	var err error
	if from != "" {
		if lo, err = ParseClock(from); err != nil {
			return false, err
		}
	}
	if to != "" {
		if hi, err = ParseClock(to); err != nil {
			return false, err
		}
	}
	if lo <= hi {
		return clock >= lo && clock < hi, nil
	}
	return clock >= lo || clock < hi, nil
}

// IntervalDue reports whether an interval entry should fire: never sent, or
// at least intervalMinutes elapsed since lastSent.
func IntervalDue(lastSent *time.Time, intervalMinutes int, now time.Time) bool {
	if lastSent == nil {
		return true
	}
	if intervalMinutes <= 0 {
		return false
	}
	return now.Sub(*lastSent) >= time.Duration(intervalMinutes)*time.Minute
}

// ScheduledDue reports whether one of times matches the current minute and the
// entry has not already fired during it.
func ScheduledDue(times []model.ScheduledTime, lastFiredMinute string, now time.Time) bool {
	if lastFiredMinute == MinuteKey(now) {
		return false
	}
	today := now.Format(dateLayout)
	clock := clockOf(now)
	for _, st := range times {
		c, err := ParseClock(st.Time)
		if err != nil || c != clock {
			continue
		}
		if st.Date != "" && st.Date != today {
			continue
		}
		return true
	}
	return false
}

// OneShotsExhausted reports whether every scheduled time is a dated one-shot
// whose minute has been reached. Any recurring time keeps the entry alive.
func OneShotsExhausted(times []model.ScheduledTime, now time.Time) bool {
	if len(times) == 0 {
		return false
	}
	for _, st := range times {
		if st.Date == "" {
			return false
		}
		at, err := OneShotTime(st, now.Location())
		if err != nil {
			continue
		}
		if at.After(now) {
			return false
		}
	}
	return true
}

// OneShotTime resolves a dated scheduled time in loc.
func OneShotTime(st model.ScheduledTime, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, st.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", st.Date, err)
	}
	c, err := ParseClock(st.Time)
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(time.Duration(c) * time.Minute), nil
}

// ValidateSlot checks a slot's fields before it is stored.
func ValidateSlot(slot model.TimerScheduleSlot) error {
	switch slot.Kind {
	case model.SlotKindWeekdays, "":
		for _, d := range slot.Weekdays {
			if d < 0 || d > 6 {
				return fmt.Errorf("slot %q: weekday %d out of range", slot.Name, d)
			}
		}
	case model.SlotKindNthWeekday:
		if slot.Weekday < 0 || slot.Weekday > 6 {
			return fmt.Errorf("slot %q: weekday %d out of range", slot.Name, slot.Weekday)
		}
		if slot.Nth != -1 && (slot.Nth < 1 || slot.Nth > 5) {
			return fmt.Errorf("slot %q: nth %d out of range", slot.Name, slot.Nth)
		}
	case model.SlotKindDayOfMonth:
		if len(slot.DaysOfMonth) == 0 {
			return fmt.Errorf("slot %q: days_of_month is empty", slot.Name)
		}
		for _, d := range slot.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("slot %q: day %d out of range", slot.Name, d)
			}
		}
	default:
		return fmt.Errorf("slot %q: unknown kind %q", slot.Name, slot.Kind)
	}
	if _, err := inRange(slot.From, slot.To, 0); err != nil {
		return fmt.Errorf("slot %q: %w", slot.Name, err)
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
