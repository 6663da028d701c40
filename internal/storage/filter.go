package storage

import (
	"cmp"
	"slices"
	"strings"

	"agenda/internal/task"
)

// Match reports whether t satisfies f.
func (f Filter) Match(t *task.Task) bool {
	if t == nil {
		return false
	}
	if f.ID != "" && t.ID != f.ID {
		return false
	}
	if f.JobID != "" && t.JobID != f.JobID {
		return false
	}
	if f.OwnerRef != "" && t.OwnerRef != f.OwnerRef {
		return false
	}
	if f.ProjectRef != "" && t.ProjectRef != f.ProjectRef {
		return false
	}
	if f.OrgRef != "" && t.OrgRef != f.OrgRef {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if slices.Contains(f.ExcludeStatuses, t.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if slices.Contains(f.ExcludeTypes, t.Type) {
		return false
	}
	if !f.ScheduledFrom.IsZero() && t.ScheduledAt.Before(f.ScheduledFrom) {
		return false
	}
	if !f.ScheduledTo.IsZero() && t.ScheduledAt.After(f.ScheduledTo) {
		return false
	}
	if f.TriggerType != "" && (t.Trigger == nil || t.Trigger.Type != f.TriggerType) {
		return false
	}
	if f.TriggerEvent != "" && (t.Trigger == nil || t.Trigger.EventName() != f.TriggerEvent) {
		return false
	}
	if !f.FailedSince.IsZero() && (t.FailedAt == nil || t.FailedAt.Before(f.FailedSince)) {
		return false
	}
	if !f.CompletedSince.IsZero() && (t.CompletedAt == nil || t.CompletedAt.Before(f.CompletedSince)) {
		return false
	}
	return true
}

// sortTasks orders by scheduledAt, then createdAt, then id.
func sortTasks(ts []*task.Task, desc bool) {
	slices.SortStableFunc(ts, func(a, b *task.Task) int {
		c := a.ScheduledAt.Compare(b.ScheduledAt)
		if c == 0 {
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if desc {
			return -c
		}
		return c
	})
}

// where renders f as a SQL predicate over the tasks table.
func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	eq := func(col string, v any) {
		conds = append(conds, col+" = ?")
		args = append(args, v)
	}
	in := func(col string, not bool, vals []string) {
		if len(vals) == 0 {
			return
		}
		op := " IN ("
		if not {
			op = " NOT IN ("
		}
		conds = append(conds, col+op+strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")+")")
		for _, v := range vals {
			args = append(args, v)
		}
	}
	if f.ID != "" {
		eq("id", f.ID)
	}
	if f.JobID != "" {
		eq("job_id", f.JobID)
	}
	if f.OwnerRef != "" {
		eq("owner_ref", f.OwnerRef)
	}
	if f.ProjectRef != "" {
		eq("project_ref", f.ProjectRef)
	}
	if f.OrgRef != "" {
		eq("org_ref", f.OrgRef)
	}
	in("status", false, strs(f.Statuses))
	in("status", true, strs(f.ExcludeStatuses))
	in("type", false, strs(f.Types))
	in("type", true, strs(f.ExcludeTypes))
	if !f.ScheduledFrom.IsZero() {
		conds = append(conds, "scheduled_at >= ?")
		args = append(args, f.ScheduledFrom.UnixNano())
	}
	if !f.ScheduledTo.IsZero() {
		conds = append(conds, "scheduled_at <= ?")
		args = append(args, f.ScheduledTo.UnixNano())
	}
	if f.TriggerType != "" {
		eq("trigger_type", string(f.TriggerType))
	}
	if f.TriggerEvent != "" {
		eq("trigger_event", f.TriggerEvent)
	}
	if !f.FailedSince.IsZero() {
		conds = append(conds, "failed_at >= ?")
		args = append(args, f.FailedSince.UnixNano())
	}
	if !f.CompletedSince.IsZero() {
		conds = append(conds, "completed_at >= ?")
		args = append(args, f.CompletedSince.UnixNano())
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
