package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(lim Limits) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Default: lim, CleanupProbability: -1, Now: clk.Now}), clk
}

func TestCheckTiers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		limits  Limits
		n       int
		tier    Tier
		advance time.Duration
	}{
		{"minute", Limits{PerMinute: 3}, 3, TierMinute, time.Minute + time.Second},
		{"hour", Limits{PerMinute: 100, PerHour: 5}, 5, TierHour, time.Hour + time.Second},
		{"day", Limits{PerDay: 4}, 4, TierDay, 24*time.Hour + time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, clk := newTestLimiter(tt.limits)
			for i := 0; i < tt.n; i++ {
				if _, err := l.Check("alice", "schedule"); err != nil {
					t.Fatalf("call %d: %v", i+1, err)
				}
			}
			_, err := l.Check("alice", "schedule")
			if !errors.Is(err, ErrRateLimitExceeded) {
				t.Fatalf("call %d: err = %v, want rate limit", tt.n+1, err)
			}
			var ee *ExceededError
			if !errors.As(err, &ee) || ee.Tier != tt.tier || ee.Current != tt.n || ee.Limit != tt.n {
				t.Fatalf("unexpected error detail: %+v", ee)
			}
			if ee.RetryAfter <= 0 {
				t.Fatalf("RetryAfter = %s", ee.RetryAfter)
			}

			clk.Advance(tt.advance)
			if _, err := l.Check("alice", "schedule"); err != nil {
				t.Fatalf("after window: %v", err)
			}
		})
	}
}

func TestRemainingAndDisabledTier(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Limits{PerMinute: 2, PerDay: 10})
	rem, err := l.Check("bob", "schedule")
	if err != nil {
		t.Fatal(err)
	}
	if rem != (Remaining{Minute: 1, Hour: -1, Day: 9}) {
		t.Fatalf("remaining = %+v", rem)
	}
}

func TestSubjectsAndOperationsAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Limits{PerMinute: 1})
	if _, err := l.Check("a", "schedule"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Check("b", "schedule"); err != nil {
		t.Fatalf("other subject limited: %v", err)
	}
	if _, err := l.Check("a", "cancel"); err != nil {
		t.Fatalf("other operation limited: %v", err)
	}
}

func TestOperationOverride(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Now()}
	l := New(Config{
		Default:            Limits{PerMinute: 1},
		Operations:         map[string]Limits{"bulk": {PerMinute: 3}},
		CleanupProbability: -1,
		Now:                clk.Now,
	})
	for i := 0; i < 3; i++ {
		if _, err := l.Check("a", "bulk"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	l.SetLimits(Config{Default: Limits{PerMinute: 1}, CleanupProbability: -1})
	if _, err := l.Check("a", "bulk"); err == nil {
		t.Fatal("limit should apply after override removal")
	}
}

func TestResetAndSweep(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(Limits{PerMinute: 1})
	_, _ = l.Check("a", "x")
	_, _ = l.Check("a", "y")
	l.Reset("a", "x")
	if _, err := l.Check("a", "x"); err != nil {
		t.Fatalf("after op reset: %v", err)
	}
	if _, err := l.Check("a", "y"); err == nil {
		t.Fatal("y should still be limited")
	}
	l.Reset("a")
	if _, err := l.Check("a", "y"); err != nil {
		t.Fatalf("after subject reset: %v", err)
	}

	_, _ = l.Check("b", "x")
	clk.Advance(25 * time.Hour)
	l.Sweep()
	if n := l.Subjects(); n != 0 {
		t.Fatalf("subjects after sweep = %d, want 0", n)
	}
}

func TestConcurrentChecksNeverOvershoot(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(Limits{PerMinute: 20})
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Check("c", "schedule"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 20 {
		t.Fatalf("allowed = %d, want 20", ok)
	}
}
