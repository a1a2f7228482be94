package sched

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed six-field cron expression with seconds
// precision: second minute hour day-of-month month day-of-week.
// Field values are held as bitmasks.
type CronSchedule struct {
	second uint64
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	// domStar/dowStar record whether the field was "*", which changes the
	// day-matching rule: when both are restricted, a day matches if
	// either field matches (standard cron behavior).
	domStar bool
	dowStar bool

	expr string
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = []cronField{
	{"second", 0, 59},
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseCron parses a six-field cron expression. Each field supports "*",
// single values, ranges (a-b), lists (a,b,c), and steps (*/n, a-b/n).
// Day-of-week 7 is an alias for Sunday.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("expected %d fields, got %d in %q", len(cronFields), len(fields), expr)
	}

	s := &CronSchedule{expr: expr}

	for i, field := range fields {
		spec := cronFields[i]

		mask, star, err := parseCronField(field, spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("%s field %q: %w", spec.name, field, err)
		}

		switch i {
		case 0:
			s.second = mask
		case 1:
			s.minute = mask
		case 2:
			s.hour = mask
		case 3:
			s.dom = mask
			s.domStar = star
		case 4:
			s.month = mask
		case 5:
			// Fold Sunday-as-7 onto bit 0.
			if mask&(1<<7) != 0 {
				mask |= 1
				mask &^= 1 << 7
			}
			s.dow = mask
			s.dowStar = star
		}
	}

	return s, nil
}

func parseCronField(field string, min, max int) (uint64, bool, error) {
	var mask uint64
	star := true

	for _, part := range strings.Split(field, ",") {
		rangeExpr, stepExpr, hasStep := strings.Cut(part, "/")

		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepExpr)
			if err != nil || n <= 0 {
				return 0, false, fmt.Errorf("invalid step %q", stepExpr)
			}
			step = n
		}

		lo, hi := min, max

		if rangeExpr != "*" {
			star = false

			loStr, hiStr, isRange := strings.Cut(rangeExpr, "-")

			n, err := strconv.Atoi(loStr)
			if err != nil {
				return 0, false, fmt.Errorf("invalid value %q", loStr)
			}
			lo = n

			if isRange {
				n, err := strconv.Atoi(hiStr)
				if err != nil {
					return 0, false, fmt.Errorf("invalid value %q", hiStr)
				}
				hi = n
			} else if hasStep {
				// "n/step" runs from n to the field maximum.
				hi = max
			} else {
				hi = lo
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, false, fmt.Errorf("value out of range %d-%d", min, max)
		}

		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}

	return mask, star, nil
}

func (s *CronSchedule) String() string {
	return s.expr
}

func (s *CronSchedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0

	// Standard cron rule: if both day fields are restricted, either one
	// matching selects the day.
	if !s.domStar && !s.dowStar {
		return domOK || dowOK
	}

	return domOK && dowOK
}

// Next returns the first time strictly after t matching the schedule, or
// the zero time if none exists within five years (an unsatisfiable
// expression such as Feb 30).
func (s *CronSchedule) Next(t time.Time) time.Time {
	t = t.Truncate(time.Second).Add(time.Second)

	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			// Jump to the first instant of the next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}

		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}

		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}

		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Truncate(time.Minute).Add(time.Minute)
			continue
		}

		if s.second&(1<<uint(t.Second())) == 0 {
			t = t.Add(time.Second)
			continue
		}

		return t
	}

	return time.Time{}
}
