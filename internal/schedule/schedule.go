// Package schedule implements weekday/hour time windows used to gate rule
// reception and destination eligibility.
package schedule

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

const (
	allDays  uint8  = 1<<7 - 1
	allHours uint32 = 1<<24 - 1
)

var dayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// InvalidRangeError reports a token in a days or hours field that cannot be
// interpreted.
type InvalidRangeError struct {
	Field string // "days" or "hours"
	Token string
	Cause string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("schedule: invalid %s token %q: %s", e.Field, e.Token, e.Cause)
}

// Schedule is an immutable weekly time window made of a weekday bitmap and an
// hour-of-day bitmap. The zero value matches nothing; use Always for the
// default always-on window.
type Schedule struct {
	days  uint8
	hours uint32
}

// Always returns a schedule that is active at every instant.
func Always() Schedule {
	return Schedule{days: allDays, hours: allHours}
}

// Parse builds a schedule from a days field and an hours field. An empty
// field matches every value of that dimension.
func Parse(days, hours string) (Schedule, error) {
	d, err := parseDays(days)
	if err != nil {
		return Schedule{}, err
	}
	h, err := parseHours(hours)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{days: d, hours: h}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level defaults.
func MustParse(days, hours string) Schedule {
	s, err := Parse(days, hours)
	if err != nil {
		panic(err)
	}
	return s
}

// IsNow reports whether t falls inside the window. Only the weekday and hour
// of t in its own location are consulted.
func (s Schedule) IsNow(t time.Time) bool {
	return s.days&(1<<uint(t.Weekday())) != 0 && s.hours&(1<<uint(t.Hour())) != 0
}

// IsAlways reports whether the schedule covers every hour of every day.
func (s Schedule) IsAlways() bool {
	return s.days == allDays && s.hours == allHours
}

// Days renders the weekday field in the range grammar.
func (s Schedule) Days() string {
	if s.days == allDays {
		return ""
	}
	return renderRanges(uint32(s.days), 7, func(i int) string { return dayNames[i] })
}

// Hours renders the hours field in the range grammar.
func (s Schedule) Hours() string {
	if s.hours == allHours {
		return ""
	}
	return renderRanges(s.hours, 24, strconv.Itoa)
}

func (s Schedule) String() string {
	if s.IsAlways() {
		return "always"
	}
	return fmt.Sprintf("days=%s hours=%s", orStar(s.Days()), orStar(s.Hours()))
}

// ActiveDays returns the number of weekdays in the window.
func (s Schedule) ActiveDays() int { return bits.OnesCount8(s.days) }

func orStar(v string) string {
	if v == "" {
		return "*"
	}
	return v
}

func parseDays(field string) (uint8, error) {
	set, err := parseField("days", field, 7, parseDay)
	return uint8(set), err
}

func parseHours(field string) (uint32, error) {
	return parseField("hours", field, 24, parseHour)
}

func parseDay(tok string) (int, bool) {
	for i, name := range dayNames {
		if strings.EqualFold(tok, name) {
			return i, true
		}
	}
	return 0, false
}

func parseHour(tok string) (int, bool) {
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 || n > 23 {
		return 0, false
	}
	return n, true
}

// parseField expands a comma-separated list of values and inclusive ranges
// into a bitmap of width size. Ranges wrap modulo size.
func parseField(name, field string, size int, value func(string) (int, bool)) (uint32, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return 1<<uint(size) - 1, nil
	}
	var set uint32
	for _, raw := range strings.Split(field, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			return 0, &InvalidRangeError{Field: name, Token: raw, Cause: "empty token"}
		}
		ends := strings.Split(tok, "-")
		switch len(ends) {
		case 1:
			v, ok := value(tok)
			if !ok {
				return 0, &InvalidRangeError{Field: name, Token: tok, Cause: "unrecognized value"}
			}
			set |= 1 << uint(v)
		case 2:
			from, ok := value(strings.TrimSpace(ends[0]))
			if !ok {
				return 0, &InvalidRangeError{Field: name, Token: tok, Cause: "unrecognized range start"}
			}
			to, ok := value(strings.TrimSpace(ends[1]))
			if !ok {
				return 0, &InvalidRangeError{Field: name, Token: tok, Cause: "unrecognized range end"}
			}
			for i := from; ; i = (i + 1) % size {
				set |= 1 << uint(i)
				if i == to {
					break
				}
			}
		default:
			return 0, &InvalidRangeError{Field: name, Token: tok, Cause: "range has more than two endpoints"}
		}
	}
	return set, nil
}

func renderRanges(set uint32, size int, label func(int) string) string {
	var parts []string
	for i := 0; i < size; {
		if set&(1<<uint(i)) == 0 {
			i++
			continue
		}
		j := i
		for j+1 < size && set&(1<<uint(j+1)) != 0 {
			j++
		}
		if i == j {
			parts = append(parts, label(i))
		} else {
			parts = append(parts, label(i)+"-"+label(j))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
