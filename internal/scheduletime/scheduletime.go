// Package scheduletime parses interval, cron, and business-hours schedule
// specifications and computes next-occurrence times for the task runner.
package scheduletime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// maxSearchHorizon bounds forward next-occurrence search.
const maxSearchHorizon = 366 * 24 * time.Hour

var intervalPattern = regexp.MustCompile(`^([0-9]*\.?[0-9]+)(ms|s|m|h|d)$`)

var unitDurations = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseInterval parses "30s", "5m", "2h", "1d", fractional units like
// "1.5h", or a bare number interpreted as minutes.
func ParseInterval(spec string) (time.Duration, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Minute)), nil
	}

	m := intervalPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid interval: %q", spec)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval number: %q", spec)
	}
	unit := unitDurations[m[2]]
	return time.Duration(n * float64(unit)), nil
}

var timeOfDayPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)(?:\s+(.+))?$`)

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}
var dayOrder = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// ParseSchedule parses a classic 5-field cron expression, or an "HH:MM" /
// "HH:MM <day-spec>" time-of-day shortcut, into a cron.Schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if m := timeOfDayPattern.FindStringSubmatch(s); m != nil {
		hour := m[1]
		minute := m[2]
		dow := "*"
		if strings.TrimSpace(m[3]) != "" {
			days, err := parseDaySet(m[3])
			if err != nil {
				return nil, err
			}
			dow = cronDowField(days)
		}
		expr := fmt.Sprintf("%s %s * * %s", minute, hour, dow)
		return cronParser.Parse(expr)
	}

	schedule, err := cronParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return schedule, nil
}

// NextCronOccurrence parses spec (cron expression or time-of-day shortcut)
// and returns the next occurrence after now, bounded to 366 days out.
func NextCronOccurrence(spec string, now time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no occurrence found for %q", spec)
	}
	if next.Sub(now) > maxSearchHorizon {
		return time.Time{}, fmt.Errorf("no occurrence of %q found within %s", spec, maxSearchHorizon)
	}
	return next, nil
}

// BusinessHours describes a recurring window, in minutes-since-midnight,
// possibly rolling over midnight, restricted to a set of weekdays.
type BusinessHours struct {
	StartMinute int
	EndMinute   int
	Days        map[time.Weekday]bool
	Location    *time.Location
}

var hourRangePattern = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)

// ParseBusinessHours parses "H-H [day-list]" (hours 0-23, optional
// day-list like "mon-fri" or "mon,wed,fri") or the literal token
// "business" (Mon-Fri 9-17).
func ParseBusinessHours(spec string) (BusinessHours, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return BusinessHours{}, fmt.Errorf("empty business-hours spec")
	}
	if strings.EqualFold(s, "business") {
		return BusinessHours{
			StartMinute: 9 * 60,
			EndMinute:   17 * 60,
			Days:        weekdaySet("mon", "tue", "wed", "thu", "fri"),
			Location:    time.Local,
		}, nil
	}

	fields := strings.Fields(s)
	m := hourRangePattern.FindStringSubmatch(fields[0])
	if m == nil {
		return BusinessHours{}, fmt.Errorf("invalid business-hours range: %q", spec)
	}
	startHour, _ := strconv.Atoi(m[1])
	endHour, _ := strconv.Atoi(m[2])
	if startHour < 0 || startHour > 23 || endHour < 0 || endHour > 23 {
		return BusinessHours{}, fmt.Errorf("business-hours range out of bounds: %q", spec)
	}

	days := weekdaySet("mon", "tue", "wed", "thu", "fri", "sat", "sun")
	if len(fields) > 1 {
		d, err := parseDaySet(strings.Join(fields[1:], " "))
		if err != nil {
			return BusinessHours{}, err
		}
		days = d
	}

	return BusinessHours{
		StartMinute: startHour * 60,
		EndMinute:   endHour * 60,
		Days:        days,
		Location:    time.Local,
	}, nil
}

// Contains reports whether t falls inside the business-hours window,
// honoring overnight ranges (StartMinute > EndMinute).
func (b BusinessHours) Contains(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	if len(b.Days) > 0 && !b.Days[local.Weekday()] {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	if b.StartMinute <= b.EndMinute {
		return minutes >= b.StartMinute && minutes < b.EndMinute
	}
	return minutes >= b.StartMinute || minutes < b.EndMinute
}

// NextStart searches forward from `from`, up to 8 days, for the next
// moment the business-hours window opens (or, if `from` already falls
// inside it, returns `from` unchanged).
func (b BusinessHours) NextStart(from time.Time) (time.Time, error) {
	if b.Contains(from) {
		return from, nil
	}
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}
	local := from.In(loc)

	for dayOffset := 0; dayOffset <= 8; dayOffset++ {
		day := local.AddDate(0, 0, dayOffset)
		if len(b.Days) > 0 && !b.Days[day.Weekday()] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), b.StartMinute/60, b.StartMinute%60, 0, 0, loc)
		if candidate.After(from) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no business-hours start found within 8 days of %s", from)
}

func weekdaySet(names ...string) map[time.Weekday]bool {
	out := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		if d, ok := dayNames[strings.ToLower(n)]; ok {
			out[d] = true
		}
	}
	return out
}

// parseDaySet parses a comma list and/or single range of three-letter day
// abbreviations (e.g. "mon,wed,fri" or "mon-fri") into a weekday set.
func parseDaySet(spec string) (map[time.Weekday]bool, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	out := make(map[time.Weekday]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			if len(bounds) != 2 {
				return nil, fmt.Errorf("invalid day range: %q", part)
			}
			startIdx := dayIndex(bounds[0])
			endIdx := dayIndex(bounds[1])
			if startIdx < 0 || endIdx < 0 {
				return nil, fmt.Errorf("invalid day name in range: %q", part)
			}
			for i := startIdx; ; i = (i + 1) % 7 {
				out[dayNames[dayOrder[i]]] = true
				if i == endIdx {
					break
				}
			}
			continue
		}
		d, ok := dayNames[part]
		if !ok {
			return nil, fmt.Errorf("invalid day name: %q", part)
		}
		out[d] = true
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty day-list: %q", spec)
	}
	return out, nil
}

func dayIndex(name string) int {
	name = strings.TrimSpace(name)
	for i, n := range dayOrder {
		if n == name {
			return i
		}
	}
	return -1
}

// cronDowField renders a weekday set as a cron day-of-week field, where
// Sunday=0 .. Saturday=6.
func cronDowField(days map[time.Weekday]bool) string {
	if len(days) == 7 || len(days) == 0 {
		return "*"
	}
	nums := make([]string, 0, len(days))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if days[d] {
			nums = append(nums, strconv.Itoa(int(d)))
		}
	}
	return strings.Join(nums, ",")
}

// Options gathers the schedule inputs to CalculateNextRun.
type Options struct {
	IntervalMs    int64
	Cron          string
	BusinessHours string
	Now           time.Time
}

// CalculateNextRun computes the next run time. Cron takes precedence over
// interval; when business hours are set and the computed time falls
// outside the window, it is advanced to the next business-hours start.
func CalculateNextRun(opts Options) (time.Time, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var next time.Time
	switch {
	case strings.TrimSpace(opts.Cron) != "":
		n, err := NextCronOccurrence(opts.Cron, now)
		if err != nil {
			return time.Time{}, err
		}
		next = n
	case opts.IntervalMs > 0:
		next = now.Add(time.Duration(opts.IntervalMs) * time.Millisecond)
	default:
		return time.Time{}, fmt.Errorf("calculate_next_run: neither cron nor interval_ms specified")
	}

	if strings.TrimSpace(opts.BusinessHours) != "" {
		bh, err := ParseBusinessHours(opts.BusinessHours)
		if err != nil {
			return time.Time{}, err
		}
		if !bh.Contains(next) {
			adjusted, err := bh.NextStart(next)
			if err != nil {
				return time.Time{}, err
			}
			next = adjusted
		}
	}

	return next, nil
}
