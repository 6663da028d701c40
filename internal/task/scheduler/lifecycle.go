package scheduler

import (
	"context"
	"fmt"
	"maps"
	"time"

	"agenda/internal/eventbus"
	"agenda/internal/storage"
	"agenda/internal/task"
	"agenda/pkg/logx"
)

var (
	claimable = []task.Status{task.StatusScheduled, task.StatusPending}
	running   = []task.Status{task.StatusRunning}
	finished  = []task.Status{task.StatusCompleted, task.StatusCancelled}
)

// transition applies p to task id if its status is one of from. It returns
// task.ErrNotInExpectedState when nothing matched.
func (s *Service) transition(ctx context.Context, op, id string, from []task.Status, p task.Patch) error {
	if id == "" {
		return task.Validationf("task id required")
	}
	var matched int
	if err := s.write(ctx, op, func() error {
		var err error
		matched, err = s.store.UpdateOne(ctx, storage.Filter{ID: id, Statuses: from}, p)
		return err
	}); err != nil {
		return err
	}
	if matched == 0 {
		return fmt.Errorf("%s %s: %w", op, id, task.ErrNotInExpectedState)
	}
	return nil
}

// StartTask claims a scheduled or pending task. Exactly one of several
// concurrent callers wins; the others get task.ErrNotInExpectedState.
func (s *Service) StartTask(ctx context.Context, id, by string) (*task.Task, error) {
	now := s.now()
	err := s.transition(ctx, "start task", id, claimable, task.Patch{
		Status:     task.Ptr(task.StatusRunning),
		ExecutedAt: &now,
		UpdatedAt:  &now,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, task.ActionStarted, by, nil)
	return s.find(ctx, id)
}

// CompleteTask marks a running task completed. A recurring task gets exactly
// one successor at its next occurrence.
func (s *Service) CompleteTask(ctx context.Context, id string, result map[string]any, by string) (*Completion, error) {
	now := s.now()
	err := s.transition(ctx, "complete task", id, running, task.Patch{
		Status:      task.Ptr(task.StatusCompleted),
		CompletedAt: &now,
		UpdatedAt:   &now,
		Result:      nonNil(result),
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, task.ActionCompleted, by, nil)

	t, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Completion{Task: t}
	if t.Type == task.TypeRecurring && t.Recurrence != nil {
		// The completion is committed; a failed continuation is only logged.
		next, err := s.continueSeries(ctx, t, by)
		if err != nil {
			s.log.Error("recurrence continuation failed", logx.Task(t.ID), logx.Err(err))
		}
		out.Next = next
	}
	return out, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

// continueSeries schedules the successor of a completed recurring task at
// the first occurrence after both now and the predecessor's slot.
func (s *Service) continueSeries(ctx context.Context, prev *task.Task, by string) (*task.Task, error) {
	after := s.now()
	if prev.ScheduledAt.After(after) {
		after = prev.ScheduledAt
	}
	at, ok, err := s.rec.Next(prev.Recurrence, prev.ScheduledAt, after)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Info("recurring series ended", logx.Task(prev.ID))
		return nil, nil
	}

	now := s.now()
	meta := maps.Clone(prev.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["previousTaskId"] = prev.ID

	next := prev.Clone()
	next.ID = ""
	next.Status = task.StatusScheduled
	next.ScheduledAt = at
	next.Metadata = meta
	next.CreatedAt = now
	next.UpdatedAt = now
	next.ExecutedAt, next.CompletedAt, next.CancelledAt, next.FailedAt = nil, nil, nil, nil
	next.Result, next.Error, next.CancelReason, next.JobID = nil, "", "", ""

	if err := s.write(ctx, "insert successor", func() error {
		id, err := s.store.Insert(ctx, next)
		if err == nil {
			next.ID = id
		}
		return err
	}); err != nil {
		return nil, err
	}

	s.record(ctx, prev.ID, task.ActionRecurrenceCreated, by, map[string]any{"nextTaskId": next.ID, "scheduledAt": at})
	s.record(ctx, next.ID, task.ActionCreated, by, map[string]any{"previousTaskId": prev.ID, "scheduledAt": at})
	s.publish(eventbus.TaskRecurred, next, by, func(e *eventbus.TaskEvent) { e.Related = prev.ID })
	s.log.Info("recurring task continued", logx.Task(prev.ID), logx.String("next", next.ID), logx.Time("at", at))
	return next, nil
}

// FailTask marks a running task failed with the given reason.
func (s *Service) FailTask(ctx context.Context, id, reason, by string) error {
	now := s.now()
	err := s.transition(ctx, "fail task", id, running, task.Patch{
		Status:    task.Ptr(task.StatusFailed),
		FailedAt:  &now,
		UpdatedAt: &now,
		Error:     &reason,
	})
	if err != nil {
		return err
	}
	s.record(ctx, id, task.ActionFailed, by, map[string]any{"error": reason})
	return nil
}

// AttachJob stores the external job correlation id on a running task.
func (s *Service) AttachJob(ctx context.Context, id, jobID, by string) error {
	if jobID == "" {
		return task.Validationf("job id required")
	}
	now := s.now()
	if err := s.transition(ctx, "attach job", id, running, task.Patch{JobID: &jobID, UpdatedAt: &now}); err != nil {
		return err
	}
	s.record(ctx, id, task.ActionDispatched, by, map[string]any{"jobId": jobID})
	return nil
}

// CancelTask cancels any task that is not completed or cancelled yet.
func (s *Service) CancelTask(ctx context.Context, id, reason, by string) error {
	if id == "" {
		return task.Validationf("task id required")
	}
	if err := s.checkRate(by, OpCancel); err != nil {
		return err
	}
	now := s.now()
	var matched int
	if err := s.write(ctx, "cancel task", func() error {
		var err error
		matched, err = s.store.UpdateOne(ctx, storage.Filter{ID: id, ExcludeStatuses: finished}, task.Patch{
			Status:       task.Ptr(task.StatusCancelled),
			CancelledAt:  &now,
			UpdatedAt:    &now,
			CancelReason: &reason,
		})
		return err
	}); err != nil {
		return err
	}
	if matched == 0 {
		t, err := s.find(ctx, id)
		if err != nil {
			return err
		}
		return task.Validationf("task %s already %s", id, t.Status)
	}
	s.record(ctx, id, task.ActionCancelled, by, map[string]any{"reason": reason})
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskCancelled, Time: now, Data: eventbus.TaskEvent{
		TaskID: id, Status: string(task.StatusCancelled), By: by,
	}})
	s.log.Info("task cancelled", logx.Task(id), logx.String("by", by))
	return nil
}

// UpdateTask applies a partial update. Tasks in a terminal status cannot be
// edited; a new date on a manual task must be in the future.
func (s *Service) UpdateTask(ctx context.Context, id string, in UpdateInput, by string) (*task.Task, error) {
	if err := s.checkRate(by, OpUpdate); err != nil {
		return nil, err
	}
	return s.update(ctx, id, in, by, task.ActionUpdated)
}

// RescheduleTask moves a task to a new, strictly future date.
func (s *Service) RescheduleTask(ctx context.Context, id string, date task.DateInput, by string) (*task.Task, error) {
	if err := s.checkRate(by, OpReschedule); err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, task.Validationf("new date required")
	}
	at, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}
	if !at.After(s.now()) {
		return nil, task.Validationf("new date %s must be in the future", at.Format(time.RFC3339))
	}
	return s.update(ctx, id, UpdateInput{Date: &task.DateInput{At: at}}, by, task.ActionRescheduled)
}

func (s *Service) update(ctx context.Context, id string, in UpdateInput, by, action string) (*task.Task, error) {
	cur, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("update task %s: %s: %w", id, cur.Status, task.ErrNotInExpectedState)
	}
	if in.empty() {
		return cur, nil
	}

	now := s.now()
	p := task.Patch{UpdatedAt: &now}
	details := map[string]any{}

	if in.Title != nil {
		if *in.Title == "" {
			return nil, task.Validationf("title required")
		}
		p.Title = in.Title
		details["title"] = *in.Title
	}
	if in.Description != nil {
		p.Description = in.Description
		details["description"] = true
	}

	at := cur.ScheduledAt
	if in.Date != nil {
		if at, err = s.resolveDate(*in.Date); err != nil {
			return nil, err
		}
		if at.IsZero() {
			return nil, task.Validationf("date required")
		}
		p.ScheduledAt = &at
		details["from"] = cur.ScheduledAt
		details["to"] = at
	}

	rec := cur.Recurrence
	trig := cur.Trigger
	if in.Recurrence != nil {
		rec = in.Recurrence
	}
	if in.Trigger != nil {
		trig = in.Trigger
	}
	typ, err := inferType(cur.Type, rec, trig)
	if err != nil {
		return nil, err
	}
	if typ != cur.Type {
		p.Type = &typ
	}
	if typ == task.TypeManual && in.Date != nil && !at.After(now) {
		return nil, task.Validationf("scheduled date %s must be in the future", at.Format(time.RFC3339))
	}
	if rec != nil && (in.Recurrence != nil || in.Date != nil) {
		norm, err := s.normalizeRecurrence(rec, at)
		if err != nil {
			return nil, err
		}
		p.Recurrence = norm
		details["recurrence"] = true
	}
	if in.Trigger != nil {
		norm, err := normalizeTrigger(in.Trigger)
		if err != nil {
			return nil, err
		}
		p.Trigger = norm
		details["trigger"] = true
	}
	if in.Payload != nil {
		p.Payload = in.Payload
		details["payload"] = true
	}
	if in.Metadata != nil {
		p.Metadata = in.Metadata
		details["metadata"] = true
	}

	// The status read above is the compare-and-swap guard.
	if err := s.transition(ctx, "update task", id, []task.Status{cur.Status}, p); err != nil {
		return nil, err
	}
	s.record(ctx, id, action, by, details)

	out, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	typEv := eventbus.TaskUpdated
	if action == task.ActionRescheduled {
		typEv = eventbus.TaskRescheduled
	}
	s.publish(typEv, out, by)
	return out, nil
}

// DeleteTask removes a task and its history. Running tasks cannot be deleted.
func (s *Service) DeleteTask(ctx context.Context, id, by string) error {
	cur, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == task.StatusRunning {
		return task.Validationf("task %s is running", id)
	}
	var n int
	if err := s.write(ctx, "delete task", func() error {
		var err error
		n, err = s.store.DeleteOne(ctx, storage.Filter{ID: id, ExcludeStatuses: running})
		return err
	}); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete task %s: %w", id, task.ErrNotInExpectedState)
	}
	// History goes only once the task row is gone, so a task claimed between
	// the read above and the delete keeps its audit trail.
	if _, err := s.store.DeleteHistory(ctx, id); err != nil {
		s.log.Warn("history purge failed", logx.Task(id), logx.Err(err))
	}
	s.publish(eventbus.TaskDeleted, cur, by)
	s.log.Info("task deleted", logx.Task(id), logx.String("by", by))
	return nil
}
