// Package recurrence expands task recurrence specs into concrete occurrence
// times. It holds no state and does no I/O.
package recurrence

import (
	"iter"
	"strconv"
	"time"

	"agenda/internal/task"

	"github.com/teambition/rrule-go"
)

const (
	DefaultMaxOccurrences = 500
	DefaultHorizon        = 365 * 24 * time.Hour
)

type Config struct {
	// MaxOccurrences caps a single expansion.
	MaxOccurrences int
	// Horizon bounds the search for the next occurrence.
	Horizon time.Duration
	// Parser handles Recurrence.CustomRule. Defaults to DefaultParser().
	Parser Parser
}

type Engine struct {
	maxOcc  int
	horizon time.Duration
	parser  Parser
}

func New(cfg Config) *Engine {
	e := &Engine{maxOcc: cfg.MaxOccurrences, horizon: cfg.Horizon, parser: cfg.Parser}
	if e.maxOcc <= 0 {
		e.maxOcc = DefaultMaxOccurrences
	}
	if e.horizon <= 0 {
		e.horizon = DefaultHorizon
	}
	if e.parser == nil {
		e.parser = DefaultParser()
	}
	return e
}

func (e *Engine) Horizon() time.Duration { return e.horizon }

// Validate checks rec for write-time errors. All failures match task.ErrRecurrence.
func (e *Engine) Validate(rec *task.Recurrence, dtstart time.Time) error {
	if rec == nil {
		return task.Recurrencef("recurrence required")
	}
	switch rec.Pattern {
	case task.PatternDaily, task.PatternWeekly, task.PatternMonthly:
	case task.PatternCustom:
		if rec.CustomRule == "" {
			return task.Recurrencef("custom pattern requires customRule")
		}
	default:
		return task.Recurrencef("unknown pattern %q", rec.Pattern)
	}
	if rec.Interval < 1 {
		return task.Recurrencef("interval must be >= 1, got %d", rec.Interval)
	}
	if rec.DayOfMonth != 0 && (rec.DayOfMonth < 1 || rec.DayOfMonth > 31) {
		return task.Recurrencef("dayOfMonth must be 1..31, got %d", rec.DayOfMonth)
	}
	for _, d := range rec.DaysOfWeek {
		if d < 0 || d > 6 {
			return task.Recurrencef("daysOfWeek entries must be 0..6, got %d", d)
		}
	}
	if rec.EndDate != nil && rec.EndDate.Before(dtstart) {
		return task.Recurrencef("endDate %s is before start %s", rec.EndDate.Format(time.RFC3339), dtstart.Format(time.RFC3339))
	}
	if _, err := e.Rule(rec, dtstart); err != nil {
		return err
	}
	return nil
}

var weekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Rule builds the rule for rec: the custom rule when present, otherwise one
// synthesized from pattern and interval.
func (e *Engine) Rule(rec *task.Recurrence, dtstart time.Time) (Rule, error) {
	if rec == nil {
		return nil, task.Recurrencef("recurrence required")
	}
	if rec.CustomRule != "" {
		r, err := e.parser.Parse(rec.CustomRule, dtstart)
		if err != nil {
			return nil, task.Recurrencef("customRule %q: %v", rec.CustomRule, err)
		}
		return r, nil
	}

	opt := rrule.ROption{Dtstart: dtstart, Interval: max(rec.Interval, 1)}
	if rec.EndDate != nil {
		opt.Until = *rec.EndDate
	}
	switch rec.Pattern {
	case task.PatternDaily:
		opt.Freq = rrule.DAILY
	case task.PatternWeekly:
		opt.Freq = rrule.WEEKLY
		for _, d := range rec.DaysOfWeek {
			if d >= 0 && d <= 6 {
				opt.Byweekday = append(opt.Byweekday, weekdays[d])
			}
		}
	case task.PatternMonthly:
		opt.Freq = rrule.MONTHLY
		if rec.DayOfMonth > 0 {
			opt.Bymonthday = []int{rec.DayOfMonth}
		}
	default:
		return nil, task.Recurrencef("pattern %q needs a customRule", rec.Pattern)
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, task.Recurrencef("%v", err)
	}
	return r, nil
}

// Occurrences lazily yields occurrence times in [from, to], ascending. The
// sequence stops at the end date and after MaxOccurrences items, and can be
// ranged over any number of times with the same result.
func (e *Engine) Occurrences(rec *task.Recurrence, dtstart, from, to time.Time) (iter.Seq[time.Time], error) {
	r, err := e.Rule(rec, dtstart)
	if err != nil {
		return nil, err
	}
	limit := to
	if rec.EndDate != nil && rec.EndDate.Before(limit) {
		limit = *rec.EndDate
	}
	maxOcc := e.maxOcc
	return func(yield func(time.Time) bool) {
		if limit.Before(from) {
			return
		}
		next := stepper(r, from)
		for n := 0; n < maxOcc; n++ {
			t, ok := next()
			if !ok || t.After(limit) {
				return
			}
			if !yield(t) {
				return
			}
		}
	}, nil
}

// stepper returns a generator of the occurrences of r at or after from.
// rrule.RRule.After restarts from dtstart on every call, so an RRule is
// walked once with its own iterator instead.
func stepper(r Rule, from time.Time) rrule.Next {
	if rr, ok := r.(*rrule.RRule); ok {
		it := rr.Iterator()
		return func() (time.Time, bool) {
			for {
				t, ok := it()
				if !ok || !t.Before(from) {
					return t, ok
				}
			}
		}
	}
	t, inclusive := from, true
	return func() (time.Time, bool) {
		n := r.After(t, inclusive)
		if n.IsZero() {
			return n, false
		}
		t, inclusive = n, false
		return n, true
	}
}

// Next returns the first occurrence strictly after `after`, within the
// horizon and not past the end date. ok is false when there is none.
func (e *Engine) Next(rec *task.Recurrence, dtstart, after time.Time) (next time.Time, ok bool, err error) {
	r, err := e.Rule(rec, dtstart)
	if err != nil {
		return time.Time{}, false, err
	}
	t := r.After(after, false)
	if t.IsZero() || t.After(after.Add(e.horizon)) {
		return time.Time{}, false, nil
	}
	if rec.EndDate != nil && t.After(*rec.EndDate) {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// InstanceID is the synthesized id of a virtual occurrence.
func InstanceID(originalID string, at time.Time) string {
	return originalID + "_" + strconv.FormatInt(at.Unix(), 10)
}

// Instances projects a recurring task into virtual occurrence records within
// [from, to]. The records are copies and must never be persisted.
func (e *Engine) Instances(t *task.Task, from, to time.Time) ([]*task.Task, error) {
	if t == nil || t.Recurrence == nil {
		return nil, nil
	}
	seq, err := e.Occurrences(t.Recurrence, t.ScheduledAt, from, to)
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for at := range seq {
		inst := t.Clone()
		inst.ID = InstanceID(t.ID, at)
		inst.ScheduledAt = at
		inst.IsRecurrenceInstance = true
		inst.OriginalTaskID = t.ID
		out = append(out, inst)
	}
	return out, nil
}
