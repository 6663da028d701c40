// Package ratelimit guards scheduling operations with per-subject,
// per-operation sliding windows over a minute, an hour and a day.
//
// Counters are process-local: several agenda processes sharing one store
// each enforce the limits on their own.
package ratelimit

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

type Tier string

const (
	TierMinute Tier = "minute"
	TierHour   Tier = "hour"
	TierDay    Tier = "day"
)

func (t Tier) Window() time.Duration {
	switch t {
	case TierMinute:
		return time.Minute
	case TierHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Limits are per-tier thresholds. Zero disables a tier.
type Limits struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

func (l Limits) of(t Tier) int {
	switch t {
	case TierMinute:
		return l.PerMinute
	case TierHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// DefaultLimits apply to operations without an override.
var DefaultLimits = Limits{PerMinute: 10, PerHour: 100, PerDay: 500}

// Unlimited turns every tier off.
var Unlimited = Limits{PerMinute: -1, PerHour: -1, PerDay: -1}

// Remaining is the quota left per tier after a successful check.
// Disabled tiers report -1.
type Remaining struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// ExceededError names the exhausted tier. It matches ErrRateLimitExceeded.
type ExceededError struct {
	Subject    string
	Operation  string
	Tier       Tier
	Current    int
	Limit      int
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s/%s %d/%d per %s (retry after %s)",
		e.Subject, e.Operation, e.Current, e.Limit, e.Tier, e.RetryAfter.Round(time.Second))
}

func (e *ExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }

type Config struct {
	Default    Limits
	Operations map[string]Limits
	// CleanupProbability is the chance that a check also sweeps idle
	// subjects. Default 0.01; negative disables.
	CleanupProbability float64
	// Now overrides the clock (tests).
	Now func() time.Time
}

type Limiter struct {
	mu       sync.Mutex
	def      Limits
	ops      map[string]Limits
	cleanupP float64
	now      func() time.Time
	rnd      func() float64
	hits     map[string]map[string][]time.Time // subject -> op -> ascending timestamps
}

func New(cfg Config) *Limiter {
	l := &Limiter{
		hits: map[string]map[string][]time.Time{},
		now:  cfg.Now,
		rnd:  rand.Float64,
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.setLimits(cfg)
	return l
}

func (l *Limiter) setLimits(cfg Config) {
	l.def = cfg.Default
	if l.def == (Limits{}) {
		l.def = DefaultLimits
	}
	l.ops = make(map[string]Limits, len(cfg.Operations))
	for k, v := range cfg.Operations {
		l.ops[k] = v
	}
	l.cleanupP = cfg.CleanupProbability
	if l.cleanupP == 0 {
		l.cleanupP = 0.01
	}
}

// SetLimits swaps thresholds in place. Recorded attempts are kept.
func (l *Limiter) SetLimits(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLimits(cfg)
}

func (l *Limiter) limitsFor(op string) Limits {
	if v, ok := l.ops[op]; ok {
		return v
	}
	return l.def
}

// Check records an attempt by subject for op, or fails with *ExceededError
// when any tier is already at its threshold. A refused attempt is not recorded.
func (l *Limiter) Check(subject, op string) (Remaining, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.cleanupP > 0 && l.rnd() < l.cleanupP {
		l.sweepLocked(now)
	}

	ops := l.hits[subject]
	if ops == nil {
		ops = map[string][]time.Time{}
		l.hits[subject] = ops
	}
	ts := prune(ops[op], now.Add(-TierDay.Window()))
	ops[op] = ts

	lim := l.limitsFor(op)
	var rem Remaining
	for _, tier := range []Tier{TierMinute, TierHour, TierDay} {
		limit := lim.of(tier)
		if limit <= 0 {
			rem.set(tier, -1)
			continue
		}
		cutoff := now.Add(-tier.Window())
		first := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
		cur := len(ts) - first
		if cur >= limit {
			return Remaining{}, &ExceededError{
				Subject:    subject,
				Operation:  op,
				Tier:       tier,
				Current:    cur,
				Limit:      limit,
				RetryAfter: ts[first].Add(tier.Window()).Sub(now),
			}
		}
		rem.set(tier, limit-cur-1)
	}
	ops[op] = append(ts, now)
	return rem, nil
}

func (r *Remaining) set(t Tier, v int) {
	switch t {
	case TierMinute:
		r.Minute = v
	case TierHour:
		r.Hour = v
	default:
		r.Day = v
	}
}

// prune drops timestamps at or before cutoff. ts is ascending.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Reset clears counters for subject: only the named operations, or all of
// them when none are given.
func (l *Limiter) Reset(subject string, ops ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ops) == 0 {
		delete(l.hits, subject)
		return
	}
	m := l.hits[subject]
	for _, op := range ops {
		delete(m, op)
	}
	if len(m) == 0 {
		delete(l.hits, subject)
	}
}

// Sweep removes subjects and operations with nothing inside the day window.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-TierDay.Window())
	for subj, ops := range l.hits {
		for op, ts := range ops {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(ops, op)
			}
		}
		if len(ops) == 0 {
			delete(l.hits, subj)
		}
	}
}

// Subjects returns how many subjects are tracked.
func (l *Limiter) Subjects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
