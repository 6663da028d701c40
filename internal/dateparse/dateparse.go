// Package dateparse resolves caller supplied date strings, including natural
// language like "tomorrow at 9am" or "in 3 days".
package dateparse

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// Resolver turns text into a time relative to base. ok is false when the
// text cannot be resolved.
type Resolver interface {
	Parse(text string, base time.Time) (t time.Time, ok bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(text string, base time.Time) (time.Time, bool)

func (f ResolverFunc) Parse(text string, base time.Time) (time.Time, bool) { return f(text, base) }

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// WhenResolver tries fixed layouts first, then English natural language.
// Layouts without a zone are read in Location.
type WhenResolver struct {
	Location *time.Location
	w        *when.Parser
}

func NewWhenResolver(loc *time.Location) *WhenResolver {
	if loc == nil {
		loc = time.Local
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &WhenResolver{Location: loc, w: w}
}

func (r *WhenResolver) Parse(text string, base time.Time) (time.Time, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, r.Location); err == nil {
			return t, true
		}
	}
	if strings.EqualFold(s, "now") {
		return base, true
	}
	res, err := r.w.Parse(s, base.In(r.Location))
	if err != nil || res == nil {
		return time.Time{}, false
	}
	return res.Time, true
}
