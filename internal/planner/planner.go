package planner

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/social-autopilot/internal/models"
)

// InvalidScheduleError is returned for custom schedules that cannot produce instants
type InvalidScheduleError struct {
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return "invalid schedule: " + e.Reason
}

// Window is the daytime span daily posts are spread across, in local hours [Start, End)
type Window struct {
	StartHour int
	EndHour   int
}

// DefaultWindow spreads daily posts between 09:00 and 23:00
var DefaultWindow = Window{StartHour: 9, EndHour: 23}

// Planner turns automation rules into concrete execution instants
type Planner struct {
	clock          clockwork.Clock
	loc            *time.Location
	window         Window
	generationHour int
	intN           func(n int) int
}

// Option configures a Planner
type Option func(*Planner)

// WithClock sets the time source
func WithClock(c clockwork.Clock) Option {
	return func(p *Planner) { p.clock = c }
}

// WithLocation sets the zone wall-clock times are interpreted in
func WithLocation(loc *time.Location) Option {
	return func(p *Planner) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithWindow sets the daily spreading window
func WithWindow(w Window) Option {
	return func(p *Planner) { p.window = w }
}

// WithGenerationHour sets the hour recurring generation fires at
func WithGenerationHour(h int) Option {
	return func(p *Planner) { p.generationHour = h }
}

// WithRand sets the jitter source
func WithRand(r *rand.Rand) Option {
	return func(p *Planner) { p.intN = r.IntN }
}

// New creates a planner
func New(opts ...Option) *Planner {
	p := &Planner{
		clock:          clockwork.NewRealClock(),
		loc:            time.UTC,
		window:         DefaultWindow,
		generationHour: 6,
		intN:           rand.IntN,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Location returns the planner's zone
func (p *Planner) Location() *time.Location { return p.loc }

// Now returns the current time in the planner's zone
func (p *Planner) Now() time.Time { return p.clock.Now().In(p.loc) }

// NextInstants returns the execution instants of the rule's next period in ascending order
func (p *Planner) NextInstants(rule *models.AutomationRule) ([]time.Time, error) {
	k := rule.PostsPerPeriod
	if k < 1 {
		k = 1
	}
	switch rule.Frequency {
	case models.FrequencyDaily:
		return p.Daily(k), nil
	case models.FrequencyWeekly:
		return p.Weekly(k), nil
	case models.FrequencyCustom:
		return p.Custom(rule.CustomSchedule())
	default:
		return nil, &InvalidScheduleError{Reason: fmt.Sprintf("unknown frequency %q", rule.Frequency)}
	}
}

// Daily spreads k instants over today's window, starting no earlier than a minute from now.
// When today's window is used up the instants land in tomorrow's window. Each slot gets a
// random-minute offset so tenants do not collide on the same minute.
func (p *Planner) Daily(k int) []time.Time {
	now := p.Now()
	start, end := p.windowOn(now)
	if earliest := now.Add(time.Minute).Truncate(time.Minute); earliest.After(start) {
		start = earliest
	}
	if end.Sub(start) < time.Duration(k)*time.Minute {
		start, end = p.windowOn(now.AddDate(0, 0, 1))
	}

	slot := end.Sub(start) / time.Duration(k)
	jitterSpan := slot
	if jitterSpan > time.Hour {
		jitterSpan = time.Hour
	}
	jitterMinutes := int(jitterSpan / time.Minute)

	out := make([]time.Time, 0, k)
	for i := 0; i < k; i++ {
		at := start.Add(time.Duration(i) * slot)
		if jitterMinutes > 0 {
			at = at.Add(time.Duration(p.intN(jitterMinutes)) * time.Minute)
		}
		out = append(out, at)
	}
	return out
}

func (p *Planner) windowOn(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	return time.Date(y, m, d, p.window.StartHour, 0, 0, 0, p.loc),
		time.Date(y, m, d, p.window.EndHour, 0, 0, 0, p.loc)
}

// Weekly spaces k instants 7/k days apart starting now
func (p *Planner) Weekly(k int) []time.Time {
	now := p.Now()
	step := 7 * 24 * time.Hour / time.Duration(k)
	out := make([]time.Time, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, now.Add(time.Duration(i)*step))
	}
	return out
}

// Custom returns one instant per configured weekday: the next date with that weekday at
// the configured time, rolled to next week when today's time has passed.
func (p *Planner) Custom(s models.CustomSchedule) ([]time.Time, error) {
	days, err := Weekdays(s.Days)
	if err != nil {
		return nil, err
	}
	hour, minute, err := ParseClock(s.Time)
	if err != nil {
		return nil, err
	}

	now := p.Now()
	y, m, d := now.Date()
	out := make([]time.Time, 0, len(days))
	for _, wd := range days {
		ahead := (int(wd) - int(now.Weekday()) + 7) % 7
		at := time.Date(y, m, d+ahead, hour, minute, 0, 0, p.loc)
		if at.Before(now) {
			at = time.Date(y, m, d+ahead+7, hour, minute, 0, 0, p.loc)
		}
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Period names the period a tick's instants belong to. Daily periods are the local date
// of the first instant, weekly periods the ISO week of now, custom periods today's date.
// Two ticks that plan the same period get the same name.
func (p *Planner) Period(f models.Frequency, instants []time.Time) string {
	now := p.Now()
	switch f {
	case models.FrequencyDaily:
		if len(instants) > 0 {
			return instants[0].In(p.loc).Format(time.DateOnly)
		}
	case models.FrequencyWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	}
	return now.Format(time.DateOnly)
}

// RecurringDescriptor returns the cron expression that re-runs generation for a daily or
// weekly rule. Weekly rules recur on the weekday the rule was saved.
func (p *Planner) RecurringDescriptor(rule *models.AutomationRule) (string, error) {
	switch rule.Frequency {
	case models.FrequencyDaily:
		return fmt.Sprintf("0 %d * * *", p.generationHour), nil
	case models.FrequencyWeekly:
		return fmt.Sprintf("0 %d * * %s", p.generationHour, dayAbbrev[p.Now().Weekday()]), nil
	default:
		return "", &InvalidScheduleError{Reason: fmt.Sprintf("frequency %q has no recurring descriptor", rule.Frequency)}
	}
}
