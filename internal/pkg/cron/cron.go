// Package cron implements the five-field schedule grammar used by saved
// searches: minute hour day-of-month month day-of-week, where every field
// is "*", an integer literal, or "*/N". Ranges and lists are not supported.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type fieldKind int

const (
	fieldAny fieldKind = iota // *
	fieldExact
	fieldStep // */N
)

type field struct {
	kind  fieldKind
	value int // exact value or step size
	min   int
	max   int
}

// Schedule is a parsed five-field cron expression.
type Schedule struct {
	minute field
	hour   field
	dom    field
	month  field
	dow    field
}

var fieldBounds = [5]struct {
	name string
	min  int
	max  int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7}, // 7 is an alias for Sunday
}

// Parse validates and compiles a cron expression. It rejects anything the
// grammar does not cover (ranges, lists, names) so a bad schedule fails at
// save time instead of silently never firing.
func Parse(spec string) (Schedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron %q: want 5 fields, got %d", spec, len(parts))
	}

	var fields [5]field
	for i, part := range parts {
		f, err := parseField(part, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron %q: %s field: %w", spec, fieldBounds[i].name, err)
		}
		fields[i] = f
	}

	return Schedule{
		minute: fields[0],
		hour:   fields[1],
		dom:    fields[2],
		month:  fields[3],
		dow:    fields[4],
	}, nil
}

func parseField(part string, min, max int) (field, error) {
	if part == "*" {
		return field{kind: fieldAny, min: min, max: max}, nil
	}

	if rest, ok := strings.CutPrefix(part, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return field{}, fmt.Errorf("invalid step %q", part)
		}
		if n <= 0 {
			return field{}, fmt.Errorf("step must be positive, got %d", n)
		}
		return field{kind: fieldStep, value: n, min: min, max: max}, nil
	}

	n, err := strconv.Atoi(part)
	if err != nil {
		return field{}, fmt.Errorf("invalid value %q", part)
	}
	if n < min || n > max {
		return field{}, fmt.Errorf("value %d out of range [%d,%d]", n, min, max)
	}
	return field{kind: fieldExact, value: n, min: min, max: max}, nil
}

func (f field) matches(v int) bool {
	switch f.kind {
	case fieldExact:
		return f.value == v
	case fieldStep:
		return (v-f.min)%f.value == 0
	default:
		return true
	}
}

func (f field) restricted() bool { return f.kind != fieldAny }

// Matches reports whether the schedule fires at the given instant,
// truncated to minute precision. Day-of-month and day-of-week follow the
// standard cron rule: when both are restricted, either match suffices.
func (s Schedule) Matches(t time.Time) bool {
	if !s.minute.matches(t.Minute()) || !s.hour.matches(t.Hour()) || !s.month.matches(int(t.Month())) {
		return false
	}

	dow := int(t.Weekday())
	domOK := s.dom.matches(t.Day())
	dowOK := s.dow.matches(dow) || (s.dow.kind == fieldExact && s.dow.value == 7 && dow == 0)

	if s.dom.restricted() && s.dow.restricted() {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// Due reports whether a search should run now. It is a pure function of
// the schedule, the last successful run and the current instant: the
// schedule must match the current minute, and the last success (if any)
// must predate that minute so a completed run suppresses a second fire
// within the same scheduling window.
func Due(s Schedule, lastSuccess *time.Time, now time.Time) bool {
	if !s.Matches(now) {
		return false
	}
	if lastSuccess == nil {
		return true
	}
	return lastSuccess.Before(now.Truncate(time.Minute))
}
