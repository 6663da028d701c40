package task

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransitionForwardOnly(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusRunning, true},
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusRunning, StatusScheduled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCloneIsolatesMaps(t *testing.T) {
	t.Parallel()
	end := time.Now()
	orig := &Task{
		ID:         "a",
		Payload:    map[string]any{"k": "v"},
		Recurrence: &Recurrence{Pattern: PatternWeekly, Interval: 1, DaysOfWeek: []int{1, 3}, EndDate: &end},
		Trigger:    &Trigger{Type: TriggerEvent, Config: map[string]any{TriggerEventNameKey: "deploy"}},
	}
	cp := orig.Clone()
	cp.Payload["k"] = "changed"
	cp.Recurrence.DaysOfWeek[0] = 5
	cp.Trigger.Config[TriggerEventNameKey] = "other"

	if orig.Payload["k"] != "v" {
		t.Fatalf("payload shared with clone")
	}
	if orig.Recurrence.DaysOfWeek[0] != 1 {
		t.Fatalf("daysOfWeek shared with clone")
	}
	if orig.Trigger.EventName() != "deploy" {
		t.Fatalf("trigger config shared with clone")
	}
}

func TestPatchApply(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tk := &Task{Title: "old", Status: StatusScheduled}
	Patch{Title: Ptr("new"), Status: Ptr(StatusRunning), ExecutedAt: &now}.Apply(tk)
	if tk.Title != "new" || tk.Status != StatusRunning {
		t.Fatalf("unexpected task after patch: %+v", tk)
	}
	if tk.ExecutedAt == nil || !tk.ExecutedAt.Equal(now) {
		t.Fatalf("executedAt not set")
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	if !errors.Is(Validationf("bad %s", "x"), ErrValidation) {
		t.Fatal("Validationf should match ErrValidation")
	}
	if !errors.Is(NotFound("id"), ErrNotFound) {
		t.Fatal("NotFound should match ErrNotFound")
	}
	ee := &ExecutionError{TaskID: "t1", Cause: ErrTimeout}
	if !errors.Is(ee, ErrTimeout) {
		t.Fatal("ExecutionError should unwrap to its cause")
	}
}
