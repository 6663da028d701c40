package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// Rule enumerates occurrences. After returns the first occurrence after t
// (or at t when inclusive), or the zero time when there is none.
type Rule interface {
	After(t time.Time, inclusive bool) time.Time
}

// Parser turns a custom rule string into a Rule anchored at dtstart.
type Parser interface {
	Parse(rule string, dtstart time.Time) (Rule, error)
}

// RRuleParser accepts RFC 5545 RRULE strings, with or without the "RRULE:"
// prefix. An inline DTSTART overrides the task's scheduled time.
type RRuleParser struct{}

func (RRuleParser) Parse(rule string, dtstart time.Time) (Rule, error) {
	s := strings.TrimSpace(rule)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	if s == "" {
		return nil, fmt.Errorf("empty rule")
	}
	opt, err := rrule.StrToROption(s)
	if err != nil {
		return nil, err
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = dtstart
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CronParser accepts cron specs (5 or 6 fields) and descriptors like @daily.
type CronParser struct {
	p cron.Parser
}

func NewCronParser() CronParser {
	return CronParser{p: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)}
}

func (c CronParser) Parse(rule string, dtstart time.Time) (Rule, error) {
	expr := strings.TrimSpace(rule)
	if expr == "" {
		return nil, fmt.Errorf("cron spec required")
	}
	sched, err := c.p.Parse(expr)
	if err != nil {
		return nil, err
	}
	return cronRule{sched: sched, start: dtstart.Truncate(time.Second)}, nil
}

type cronRule struct {
	sched cron.Schedule
	start time.Time
}

func (r cronRule) After(t time.Time, inclusive bool) time.Time {
	t = t.In(r.start.Location())
	if t.Before(r.start) {
		t, inclusive = r.start, true
	}
	if inclusive {
		// Next is strictly-after and second-aligned.
		t = t.Add(-time.Nanosecond)
	}
	return r.sched.Next(t)
}

const cronPrefix = "cron:"

// PrefixParser routes "cron:" prefixed rules to Cron and everything else to
// RRule.
type PrefixParser struct {
	RRule Parser
	Cron  Parser
}

// DefaultParser understands both RRULE and "cron:" rules.
func DefaultParser() PrefixParser {
	return PrefixParser{RRule: RRuleParser{}, Cron: NewCronParser()}
}

func (p PrefixParser) Parse(rule string, dtstart time.Time) (Rule, error) {
	s := strings.TrimSpace(rule)
	if len(s) >= len(cronPrefix) && strings.EqualFold(s[:len(cronPrefix)], cronPrefix) {
		if p.Cron == nil {
			return nil, fmt.Errorf("cron rules not supported")
		}
		return p.Cron.Parse(s[len(cronPrefix):], dtstart)
	}
	if p.RRule == nil {
		return nil, fmt.Errorf("rrule rules not supported")
	}
	return p.RRule.Parse(s, dtstart)
}
