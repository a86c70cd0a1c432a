package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var dayAbbrev = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// DayAbbrev returns the three-letter cron name of a weekday
func DayAbbrev(wd time.Weekday) string { return dayAbbrev[wd] }

// ParseWeekday accepts full or abbreviated weekday names in any case
func ParseWeekday(name string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, &InvalidScheduleError{Reason: fmt.Sprintf("unknown weekday %q", name)}
	}
	return wd, nil
}

// Weekdays parses a non-empty day list, dropping duplicates, in Sunday-first order
func Weekdays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, &InvalidScheduleError{Reason: "no days configured"}
	}
	seen := make(map[time.Weekday]bool, len(names))
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		wd, err := ParseWeekday(n)
		if err != nil {
			return nil, err
		}
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ParseClock parses a 24h HH:MM time of day
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, 0, &InvalidScheduleError{Reason: fmt.Sprintf("time %q is not HH:MM", s)}
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, &InvalidScheduleError{Reason: fmt.Sprintf("time %q is not HH:MM", s)}
	}
	return hour, minute, nil
}

// CustomCron synthesizes "{minute} {hour} * * {day1,day2,...}" for a custom schedule
func CustomCron(days []string, clock string) (string, error) {
	wds, err := Weekdays(days)
	if err != nil {
		return "", err
	}
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return "", err
	}
	names := make([]string, len(wds))
	for i, wd := range wds {
		names[i] = dayAbbrev[wd]
	}
	expr := fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(names, ","))
	if err := ValidateCron(expr); err != nil {
		return "", err
	}
	return expr, nil
}

// DayCron is the single-weekday form used by backends without day-list support
func DayCron(wd time.Weekday, hour, minute int) string {
	return fmt.Sprintf("%d %d * * %d", minute, hour, int(wd))
}

// ValidateCron checks a standard five-field expression
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return &InvalidScheduleError{Reason: fmt.Sprintf("cron %q: %v", expr, err)}
	}
	return nil
}
