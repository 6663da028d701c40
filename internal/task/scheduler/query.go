package scheduler

import (
	"context"
	"maps"
	"slices"
	"time"

	"agenda/internal/eventbus"
	"agenda/internal/storage"
	"agenda/internal/task"
	"agenda/pkg/logx"
)

func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.find(ctx, id)
}

// TaskHistory returns the audit trail of a task, oldest first.
func (s *Service) TaskHistory(ctx context.Context, id string) ([]task.HistoryEntry, error) {
	if id == "" {
		return nil, task.Validationf("task id required")
	}
	return s.store.History(ctx, id)
}

// FindByJobID returns the task correlated with an external job.
func (s *Service) FindByJobID(ctx context.Context, jobID string) (*task.Task, error) {
	if jobID == "" {
		return nil, task.Validationf("job id required")
	}
	t, err := s.store.FindOne(ctx, storage.Filter{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetUpcomingTasks lists tasks in scheduledAt order. With IncludeRecurring
// and a To bound, recurring tasks are replaced by their virtual occurrences
// in the window, including series that started before From.
func (s *Service) GetUpcomingTasks(ctx context.Context, f UpcomingFilter) ([]*task.Task, error) {
	base := storage.Filter{
		OwnerRef:   f.OwnerRef,
		ProjectRef: f.ProjectRef,
		OrgRef:     f.OrgRef,
	}
	switch {
	case len(f.Statuses) > 0:
		base.Statuses = f.Statuses
	case !f.IncludeCompleted:
		base.ExcludeStatuses = []task.Status{task.StatusCompleted, task.StatusCancelled}
	}

	expand := f.IncludeRecurring && !f.To.IsZero()

	literal := base
	literal.ScheduledFrom = f.From
	literal.ScheduledTo = f.To
	if expand {
		literal.ExcludeTypes = []task.Type{task.TypeRecurring}
	}
	out, err := s.store.Find(ctx, literal, storage.FindOptions{})
	if err != nil {
		return nil, err
	}
	if !expand {
		return limit(out, f.Limit), nil
	}

	series := base
	series.Types = []task.Type{task.TypeRecurring}
	series.ScheduledTo = f.To
	recurring, err := s.store.Find(ctx, series, storage.FindOptions{})
	if err != nil {
		return nil, err
	}
	for _, t := range recurring {
		from := f.From
		if from.IsZero() || from.Before(t.ScheduledAt) {
			from = t.ScheduledAt
		}
		inst, err := s.rec.Instances(t, from, f.To)
		if err != nil {
			// Rules are validated on write; a stored rule that no longer
			// parses is skipped rather than failing the listing.
			s.log.Warn("recurrence expansion failed", logx.Task(t.ID), logx.Err(err))
			continue
		}
		out = append(out, inst...)
	}
	slices.SortStableFunc(out, func(a, b *task.Task) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return limit(out, f.Limit), nil
}

func limit(ts []*task.Task, n int) []*task.Task {
	if n > 0 && len(ts) > n {
		return ts[:n]
	}
	return ts
}

// GetTasksReadyForExecution returns up to n scheduled, due, non-trigger
// tasks, oldest first.
func (s *Service) GetTasksReadyForExecution(ctx context.Context, n int) ([]*task.Task, error) {
	return s.store.Find(ctx, storage.Filter{
		Statuses:     []task.Status{task.StatusScheduled},
		ScheduledTo:  s.now(),
		ExcludeTypes: []task.Type{task.TypeTrigger},
	}, storage.FindOptions{Limit: n})
}

// EventTriggeredTasks finds scheduled tasks listening for eventName and merges
// the event payload into their payload. Tasks that changed status in the
// meantime are skipped.
func (s *Service) EventTriggeredTasks(ctx context.Context, eventName string, payload map[string]any) ([]*task.Task, error) {
	if eventName == "" {
		return nil, task.Validationf("event name required")
	}
	found, err := s.store.Find(ctx, storage.Filter{
		Statuses:     []task.Status{task.StatusScheduled},
		TriggerType:  task.TriggerEvent,
		TriggerEvent: eventName,
	}, storage.FindOptions{})
	if err != nil {
		return nil, err
	}

	out := make([]*task.Task, 0, len(found))
	for _, t := range found {
		merged := maps.Clone(t.Payload)
		if merged == nil {
			merged = map[string]any{}
		}
		maps.Copy(merged, payload)
		now := s.now()

		var matched int
		err := s.write(ctx, "enrich trigger payload", func() error {
			var err error
			matched, err = s.store.UpdateOne(ctx,
				storage.Filter{ID: t.ID, Statuses: []task.Status{task.StatusScheduled}},
				task.Patch{Payload: merged, UpdatedAt: &now})
			return err
		})
		if err != nil {
			return out, err
		}
		if matched == 0 {
			continue
		}
		t.Payload = merged
		t.UpdatedAt = now
		s.record(ctx, t.ID, task.ActionTriggered, "", map[string]any{"event": eventName})
		s.publish(eventbus.TaskTriggered, t, "", func(e *eventbus.TaskEvent) { e.Related = eventName })
		out = append(out, t)
	}
	return out, nil
}

// Stats counts tasks by readiness and recent outcome.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	dayAgo := now.Add(-24 * time.Hour)

	var st Stats
	counts := []struct {
		dst *int
		f   storage.Filter
	}{
		{&st.Ready, storage.Filter{Statuses: []task.Status{task.StatusScheduled}, ScheduledTo: now, ExcludeTypes: []task.Type{task.TypeTrigger}}},
		{&st.Running, storage.Filter{Statuses: []task.Status{task.StatusRunning}}},
		{&st.Scheduled, storage.Filter{Statuses: []task.Status{task.StatusScheduled}}},
		{&st.Failed24h, storage.Filter{Statuses: []task.Status{task.StatusFailed}, FailedSince: dayAgo}},
		{&st.Completed24h, storage.Filter{Statuses: []task.Status{task.StatusCompleted}, CompletedSince: dayAgo}},
	}
	for _, c := range counts {
		n, err := s.store.Count(ctx, c.f)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}
	return st, nil
}
