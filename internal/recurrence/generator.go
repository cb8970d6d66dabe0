package recurrence

import (
	"errors"
	"fmt"
	"time"
)

// Pattern is the stepping rule of a recurring series.
type Pattern string

const (
	Weekly   Pattern = "weekly"
	Biweekly Pattern = "biweekly"
	Monthly  Pattern = "monthly"
	Custom   Pattern = "custom"
)

// DefaultCap bounds a series that has no explicit end count.
const DefaultCap = 52

// MaxEndCount bounds an explicit end count.
const MaxEndCount = 520

var (
	ErrInvalidPattern   = errors.New("recurrence: invalid pattern")
	ErrInvalidDayOfWeek = errors.New("recurrence: day of week must be between 0 and 6")
	ErrInvalidInterval  = errors.New("recurrence: custom interval must be at least one week")
	ErrInvalidEndDate   = errors.New("recurrence: end date must be after the template start")
	ErrInvalidEndCount  = errors.New("recurrence: end count out of range")
	ErrInvalidDuration  = errors.New("recurrence: template duration must be positive")
)

// Rule describes how a template repeats and when the series stops.
type Rule struct {
	Pattern       Pattern      `json:"pattern"`
	DayOfWeek     time.Weekday `json:"day_of_week"`
	IntervalWeeks int          `json:"interval_weeks,omitempty"`
	EndDate       *time.Time   `json:"end_date,omitempty"`
	EndCount      int          `json:"end_count,omitempty"`
}

func (p Pattern) Valid() bool {
	switch p {
	case Weekly, Biweekly, Monthly, Custom:
		return true
	}
	return false
}

// snaps reports whether the pattern aligns instances to DayOfWeek.
func (p Pattern) snaps() bool {
	return p == Weekly || p == Biweekly
}

// Validate checks the rule against the template start it will expand from.
func (r Rule) Validate(start time.Time) error {
	if !r.Pattern.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, r.Pattern)
	}
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return fmt.Errorf("%w: %d", ErrInvalidDayOfWeek, r.DayOfWeek)
	}
	if r.Pattern == Custom && r.IntervalWeeks < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, r.IntervalWeeks)
	}
	if r.EndDate != nil && !r.EndDate.After(start) {
		return ErrInvalidEndDate
	}
	if r.EndCount < 0 || r.EndCount > MaxEndCount {
		return fmt.Errorf("%w: %d", ErrInvalidEndCount, r.EndCount)
	}
	return nil
}

// Occurrence is one generated instance. Index counts from 1; the template
// itself is index 0 and never emitted.
type Occurrence struct {
	Index int
	Start time.Time
	End   time.Time
}

// Generator expands rules using calendar arithmetic in a fixed location.
type Generator struct {
	loc *time.Location
}

// NewGenerator returns a Generator for loc. A nil loc means UTC.
func NewGenerator(loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{loc: loc}
}

func (g *Generator) Location() *time.Location { return g.loc }

// Expand produces the instances of a new series from its template window.
func (g *Generator) Expand(rule Rule, start, end time.Time) ([]Occurrence, error) {
	if err := rule.Validate(start); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, ErrInvalidDuration
	}
	want := rule.EndCount
	if want == 0 {
		want = DefaultCap
	}
	anchorDay := start.In(g.loc).Day()
	return g.generate(rule, anchorDay, end.Sub(start), g.first(rule, start, anchorDay), 0, want), nil
}

// Extend continues a series after its last instance. produced is the number
// of instances the series already has; at most count more are returned.
func (g *Generator) Extend(rule Rule, start, end, last time.Time, produced, count int) ([]Occurrence, error) {
	if err := rule.Validate(start); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, ErrInvalidDuration
	}
	if count <= 0 {
		return nil, nil
	}
	anchorDay := start.In(g.loc).Day()
	return g.generate(rule, anchorDay, end.Sub(start), g.Next(rule, last, anchorDay), produced, count), nil
}

func (g *Generator) generate(rule Rule, anchorDay int, d time.Duration, next time.Time, produced, want int) []Occurrence {
	var out []Occurrence
	for len(out) < want {
		if rule.EndCount > 0 && produced >= rule.EndCount {
			break
		}
		if rule.EndDate != nil && next.After(*rule.EndDate) {
			break
		}
		produced++
		out = append(out, Occurrence{Index: produced, Start: next, End: next.Add(d)})
		next = g.Next(rule, next, anchorDay)
	}
	return out
}

func (g *Generator) first(rule Rule, start time.Time, anchorDay int) time.Time {
	if rule.Pattern.snaps() {
		if aligned := snap(start.In(g.loc), rule.DayOfWeek); !aligned.Equal(start) {
			return aligned
		}
	}
	return g.Next(rule, start, anchorDay)
}

// Next returns the occurrence after prev. anchorDay is the template's day of
// month, used to undo clamping when a monthly series passes a short month.
func (g *Generator) Next(rule Rule, prev time.Time, anchorDay int) time.Time {
	t := prev.In(g.loc)
	switch rule.Pattern {
	case Weekly:
		return snap(t.AddDate(0, 0, 7), rule.DayOfWeek)
	case Biweekly:
		return snap(t.AddDate(0, 0, 14), rule.DayOfWeek)
	case Monthly:
		return addMonthClamped(t, anchorDay)
	default:
		return t.AddDate(0, 0, 7*rule.IntervalWeeks)
	}
}

// Title derives an instance title from the template title.
func (g *Generator) Title(templateTitle string, start time.Time) string {
	return templateTitle + " - " + start.In(g.loc).Format("Jan 2, 2006")
}

func snap(t time.Time, dow time.Weekday) time.Time {
	diff := (int(dow) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, diff)
}

func addMonthClamped(t time.Time, anchorDay int) time.Time {
	y, m, _ := t.Date()
	m++
	if m > time.December {
		m = time.January
		y++
	}
	day := anchorDay
	if last := daysIn(y, m, t.Location()); day > last {
		day = last
	}
	return time.Date(y, m, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
