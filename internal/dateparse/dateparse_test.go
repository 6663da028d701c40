package dateparse

import (
	"testing"
	"time"
)

func TestWhenResolver(t *testing.T) {
	t.Parallel()
	r := NewWhenResolver(time.UTC)
	base := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		text  string
		ok    bool
		check func(time.Time) bool
	}{
		{"rfc3339", "2026-07-01T10:00:00Z", true, func(t time.Time) bool {
			return t.Equal(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
		}},
		{"date only", "2026-07-01", true, func(t time.Time) bool {
			return t.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
		}},
		{"now", "now", true, func(t time.Time) bool { return t.Equal(base) }},
		{"tomorrow", "tomorrow", true, func(t time.Time) bool {
			return t.After(base) && t.Before(base.Add(48*time.Hour)) && t.YearDay() == base.YearDay()+1
		}},
		{"in hours", "in 3 hours", true, func(t time.Time) bool { return t.Equal(base.Add(3 * time.Hour)) }},
		{"empty", "  ", false, nil},
		{"garbage", "qwerty zxcv", false, nil},
	}
	for _, tt := range tests {
		got, ok := r.Parse(tt.text, base)
		if ok != tt.ok {
			t.Fatalf("%s: ok = %v, want %v (got %s)", tt.name, ok, tt.ok, got)
		}
		if ok && !tt.check(got) {
			t.Fatalf("%s: unexpected time %s", tt.name, got)
		}
	}
}
