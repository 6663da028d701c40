package scheduler

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"agenda/internal/eventbus"
	"agenda/internal/task"
	"agenda/pkg/logx"
)

// Schedule validates in and persists a new task in status scheduled.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (*task.Task, error) {
	subject := in.CreatedBy
	if subject == "" {
		subject = in.OwnerRef
	}
	if err := s.checkRate(subject, OpSchedule); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, task.Validationf("title required")
	}
	if strings.TrimSpace(in.OwnerRef) == "" {
		return nil, task.Validationf("ownerRef required")
	}

	typ, err := inferType(in.Type, in.Recurrence, in.Trigger)
	if err != nil {
		return nil, err
	}

	now := s.now()
	at, err := s.resolveDate(in.Date)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		if typ != task.TypeTrigger {
			return nil, task.Validationf("date required")
		}
		at = now
	}
	if typ == task.TypeManual && !at.After(now) {
		return nil, task.Validationf("scheduled date %s must be in the future", at.Format(time.RFC3339))
	}

	t := &task.Task{
		Title:         title,
		Description:   in.Description,
		Type:          typ,
		Status:        task.StatusScheduled,
		ScheduledAt:   at,
		OwnerRef:      in.OwnerRef,
		ProjectRef:    in.ProjectRef,
		OrgRef:        in.OrgRef,
		ParentTaskRef: in.ParentTaskRef,
		CreatedBy:     in.CreatedBy,
		Payload:       maps.Clone(in.Payload),
		Metadata:      maps.Clone(in.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Recurrence != nil {
		rec, err := s.normalizeRecurrence(in.Recurrence, at)
		if err != nil {
			return nil, err
		}
		t.Recurrence = rec
	}
	if in.Trigger != nil {
		trig, err := normalizeTrigger(in.Trigger)
		if err != nil {
			return nil, err
		}
		t.Trigger = trig
	}

	if err := s.write(ctx, "insert task", func() error {
		id, err := s.store.Insert(ctx, t)
		if err == nil {
			t.ID = id
		}
		return err
	}); err != nil {
		return nil, err
	}

	s.record(ctx, t.ID, task.ActionCreated, in.CreatedBy, map[string]any{
		"type":        string(t.Type),
		"scheduledAt": t.ScheduledAt,
	})
	s.publish(eventbus.TaskScheduled, t, in.CreatedBy)
	s.log.Info("task scheduled",
		logx.Task(t.ID),
		logx.String("type", string(t.Type)),
		logx.Owner(t.OwnerRef),
		logx.Time("at", t.ScheduledAt))
	return t, nil
}

func inferType(want task.Type, rec *task.Recurrence, trig *task.Trigger) (task.Type, error) {
	if want != "" && !want.Valid() {
		return "", task.Validationf("unknown task type %q", want)
	}
	if rec != nil && trig != nil {
		return "", task.Validationf("a task cannot have both a recurrence and a trigger")
	}
	switch {
	case rec != nil:
		if want == task.TypeTrigger {
			return "", task.Validationf("trigger tasks need a trigger, not a recurrence")
		}
		return task.TypeRecurring, nil
	case trig != nil:
		if want == task.TypeRecurring {
			return "", task.Validationf("recurring tasks need a recurrence, not a trigger")
		}
		return task.TypeTrigger, nil
	case want == task.TypeRecurring:
		return "", task.Validationf("recurring tasks need a recurrence")
	case want == task.TypeTrigger:
		return "", task.Validationf("trigger tasks need a trigger")
	}
	return task.TypeManual, nil
}

// normalizeRecurrence fills defaults, sorts weekdays and validates the
// result against dtstart.
func (s *Service) normalizeRecurrence(in *task.Recurrence, dtstart time.Time) (*task.Recurrence, error) {
	rec := *in
	rec.CustomRule = strings.TrimSpace(rec.CustomRule)
	if rec.Pattern == "" && rec.CustomRule != "" {
		rec.Pattern = task.PatternCustom
	}
	if rec.Interval == 0 {
		rec.Interval = 1
	}
	if rec.EndDate != nil {
		end := *rec.EndDate
		rec.EndDate = &end
	}
	if len(rec.DaysOfWeek) > 0 {
		days := slices.Clone(rec.DaysOfWeek)
		slices.Sort(days)
		rec.DaysOfWeek = slices.Compact(days)
	}
	if err := s.rec.Validate(&rec, dtstart); err != nil {
		return nil, err
	}
	return &rec, nil
}

func normalizeTrigger(in *task.Trigger) (*task.Trigger, error) {
	switch in.Type {
	case task.TriggerWebhook, task.TriggerCondition:
	case task.TriggerEvent:
		if strings.TrimSpace(in.EventName()) == "" {
			return nil, task.Validationf("event triggers need config.%s", task.TriggerEventNameKey)
		}
	default:
		return nil, task.Validationf("unknown trigger type %q", in.Type)
	}
	return &task.Trigger{Type: in.Type, Config: maps.Clone(in.Config)}, nil
}
