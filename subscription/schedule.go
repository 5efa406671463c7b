package subscription

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a cron-like delivery schedule. Each field holds a comma list
// of numbers and "[lo-hi]" ranges; empty or "*" matches every value.
// DayOfWeek runs 1 (Monday) to 7 (Sunday). A zero Schedule never fires on
// its own.
type Schedule struct {
	Second     string
	Minute     string
	Hour       string
	DayOfMonth string
	Month      string
	DayOfWeek  string
}

type scheduleField struct {
	name   string
	lo, hi int
	value  func(Schedule) string
}

var scheduleFields = []scheduleField{
	{"second", 0, 59, func(s Schedule) string { return s.Second }},
	{"minute", 0, 59, func(s Schedule) string { return s.Minute }},
	{"hour", 0, 23, func(s Schedule) string { return s.Hour }},
	{"dayOfMonth", 1, 31, func(s Schedule) string { return s.DayOfMonth }},
	{"month", 1, 12, func(s Schedule) string { return s.Month }},
	{"dayOfWeek", 1, 7, func(s Schedule) string { return s.DayOfWeek }},
}

// Every returns a schedule firing every n seconds within each minute,
// starting at second 0. n of 60 or more fires once a minute.
func Every(n int) Schedule {
	if n <= 0 {
		n = 1
	}
	if n >= 60 {
		return Schedule{Second: "0"}
	}
	parts := make([]string, 0, 60/n)
	for s := 0; s < 60; s += n {
		parts = append(parts, strconv.Itoa(s))
	}
	return Schedule{Second: strings.Join(parts, ",")}
}

// IsZero reports whether no field is set
func (s Schedule) IsZero() bool {
	return s == Schedule{}
}

// Validate returns a *ScheduleRangeError for the first malformed field
func (s Schedule) Validate() error {
	_, err := s.compile()
	return err
}

// Next returns the first firing instant strictly after t, in t's location.
// It reports false when the schedule can never fire, e.g. February 30.
func (s Schedule) Next(t time.Time) (time.Time, bool) {
	c, err := s.compile()
	if err != nil {
		return time.Time{}, false
	}
	return c.next(t)
}

func (s Schedule) String() string {
	out := make([]string, 0, len(scheduleFields))
	for _, f := range scheduleFields {
		v := f.value(s)
		if v == "" {
			v = "*"
		}
		out = append(out, v)
	}
	return strings.Join(out, " ")
}

type compiledSchedule struct {
	sets [6][]bool // Indexed by value, in scheduleFields order
}

func (s Schedule) compile() (*compiledSchedule, error) {
	c := &compiledSchedule{}
	for i, f := range scheduleFields {
		set, err := parseField(f, f.value(s))
		if err != nil {
			return nil, err
		}
		c.sets[i] = set
	}
	return c, nil
}

func parseField(f scheduleField, text string) ([]bool, error) {
	set := make([]bool, f.hi+1)
	text = strings.TrimSpace(text)
	if text == "" || text == "*" {
		for v := f.lo; v <= f.hi; v++ {
			set[v] = true
		}
		return set, nil
	}

	for _, elem := range strings.Split(text, ",") {
		elem = strings.TrimSpace(elem)
		lo, hi, err := parseElement(elem)
		if err != nil {
			return nil, &ScheduleRangeError{Field: f.name, Value: elem, Reason: err.Error()}
		}
		if lo < f.lo || hi > f.hi {
			return nil, &ScheduleRangeError{
				Field:  f.name,
				Value:  elem,
				Reason: fmt.Sprintf("outside %d-%d", f.lo, f.hi),
			}
		}
		for v := lo; v <= hi; v++ {
			set[v] = true
		}
	}
	return set, nil
}

func parseElement(elem string) (int, int, error) {
	if strings.HasPrefix(elem, "[") && strings.HasSuffix(elem, "]") {
		loText, hiText, found := strings.Cut(elem[1:len(elem)-1], "-")
		if !found {
			return 0, 0, errors.New("range needs lo-hi")
		}
		lo, err := strconv.Atoi(strings.TrimSpace(loText))
		if err != nil {
			return 0, 0, errors.New("bad range start")
		}
		hi, err := strconv.Atoi(strings.TrimSpace(hiText))
		if err != nil {
			return 0, 0, errors.New("bad range end")
		}
		if lo > hi {
			return 0, 0, errors.New("range start after end")
		}
		return lo, hi, nil
	}

	v, err := strconv.Atoi(elem)
	if err != nil {
		return 0, 0, errors.New("not a number")
	}
	return v, v, nil
}

// Eight years covers every weekday and leap day combination
const searchYears = 8

func (c *compiledSchedule) next(after time.Time) (time.Time, bool) {
	loc := after.Location()
	t := after.Truncate(time.Second).Add(time.Second)
	limit := t.AddDate(searchYears, 0, 0)

	second, minute, hour := c.sets[0], c.sets[1], c.sets[2]
	dom, month, dow := c.sets[3], c.sets[4], c.sets[5]

	for t.Before(limit) {
		y, mo, d := t.Date()
		switch {
		case !month[int(mo)]:
			t = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
		case !dom[d] || !dow[isoWeekday(t)]:
			t = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
		case !hour[t.Hour()]:
			t = time.Date(y, mo, d, t.Hour()+1, 0, 0, 0, loc)
		case !minute[t.Minute()]:
			t = time.Date(y, mo, d, t.Hour(), t.Minute()+1, 0, 0, loc)
		case !second[t.Second()]:
			t = t.Add(time.Second)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}
