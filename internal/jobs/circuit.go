package jobs

import (
	"sync"
	"time"
)

// circuit tracks consecutive failures of one job type. Once failures reach
// the trip threshold the type is refused for an exponentially growing
// cooldown; a success closes it again.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuit
}

// resetStale clears a circuit whose last failure is older than resetAfter.
// Caller holds mu.
func (c *circuit) resetStale(now time.Time, resetAfter time.Duration) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, key string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.m[key]
	if c == nil {
		return false, time.Time{}
	}
	c.resetStale(now, cfg.CircuitResetAfter)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, key string, cfg Config, err error) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*circuit)
	}
	c := s.m[key]
	if c == nil {
		c = &circuit{}
		s.m[key] = c
	}
	c.resetStale(now, cfg.CircuitResetAfter)

	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := 0; i < c.fails-cfg.CircuitTripFailures; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			d = cfg.CircuitMaxDelay
			break
		}
	}
	c.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, c := range s.m {
		if now.Before(c.openUntil) {
			open++
		}
	}
	return total, open
}
