// Package task defines the scheduled task model shared by the scheduler,
// the executor queue and the storage drivers.
package task

import (
	"maps"
	"slices"
	"time"
)

// Type describes how a task becomes eligible for execution.
type Type string

const (
	TypeManual    Type = "manual"
	TypeTrigger   Type = "trigger"
	TypeRecurring Type = "recurring"
)

func (t Type) Valid() bool {
	switch t {
	case TypeManual, TypeTrigger, TypeRecurring:
		return true
	}
	return false
}

// Status is the lifecycle state of a task. See CanTransition.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPending, StatusRunning, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further execution can happen from this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Statuses only move forward.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Pattern is the recurrence frequency.
type Pattern string

const (
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
	PatternCustom  Pattern = "custom"
)

// Recurrence describes how a recurring task repeats.
//
// DaysOfWeek uses 0 for Sunday through 6 for Saturday. CustomRule holds a
// recurrence rule string (RRULE grammar, or "cron:" prefixed cron spec) and
// takes precedence over Pattern.
type Recurrence struct {
	Pattern    Pattern    `json:"pattern"`
	Interval   int        `json:"interval"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	DaysOfWeek []int      `json:"daysOfWeek,omitempty"`
	DayOfMonth int        `json:"dayOfMonth,omitempty"`
	CustomRule string     `json:"customRule,omitempty"`
}

// TriggerType is the kind of external activation for trigger tasks.
type TriggerType string

const (
	TriggerWebhook   TriggerType = "webhook"
	TriggerEvent     TriggerType = "event"
	TriggerCondition TriggerType = "condition"
)

// TriggerEventNameKey is the Trigger.Config key holding the event name for
// event triggers.
const TriggerEventNameKey = "eventName"

type Trigger struct {
	Type   TriggerType    `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// EventName returns the configured event name for event triggers.
func (t *Trigger) EventName() string {
	if t == nil || t.Config == nil {
		return ""
	}
	s, _ := t.Config[TriggerEventNameKey].(string)
	return s
}

// Task is the central scheduled unit of work.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        Type   `json:"type"`
	Status      Status `json:"status"`

	ScheduledAt time.Time `json:"scheduledAt"`

	OwnerRef      string `json:"ownerRef"`
	ProjectRef    string `json:"projectRef,omitempty"`
	OrgRef        string `json:"orgRef,omitempty"`
	ParentTaskRef string `json:"parentTaskRef,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`
	Trigger    *Trigger    `json:"trigger,omitempty"`

	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CancelReason string         `json:"cancelReason,omitempty"`
	JobID        string         `json:"jobId,omitempty"`

	// Set only on virtual occurrence records; never persisted.
	IsRecurrenceInstance bool   `json:"isRecurrenceInstance,omitempty"`
	OriginalTaskID       string `json:"originalTaskId,omitempty"`
}

// Clone returns a copy that shares no mutable maps or pointers with t.
// Nested values inside Payload/Metadata/Result are shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Payload = maps.Clone(t.Payload)
	cp.Metadata = maps.Clone(t.Metadata)
	cp.Result = maps.Clone(t.Result)
	cp.ExecutedAt = cloneTime(t.ExecutedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.CancelledAt = cloneTime(t.CancelledAt)
	cp.FailedAt = cloneTime(t.FailedAt)
	if t.Recurrence != nil {
		r := *t.Recurrence
		r.EndDate = cloneTime(t.Recurrence.EndDate)
		r.DaysOfWeek = slices.Clone(t.Recurrence.DaysOfWeek)
		cp.Recurrence = &r
	}
	if t.Trigger != nil {
		tr := *t.Trigger
		tr.Config = maps.Clone(t.Trigger.Config)
		cp.Trigger = &tr
	}
	return &cp
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// History actions.
const (
	ActionCreated           = "created"
	ActionUpdated           = "updated"
	ActionRescheduled       = "rescheduled"
	ActionCancelled         = "cancelled"
	ActionStarted           = "started"
	ActionCompleted         = "completed"
	ActionFailed            = "failed"
	ActionDispatched        = "dispatched"
	ActionTriggered         = "triggered"
	ActionRecurrenceCreated = "recurrence_created"
)

// HistoryEntry is one immutable audit record of a lifecycle transition.
type HistoryEntry struct {
	ID          int64          `json:"id"`
	TaskID      string         `json:"taskId"`
	Action      string         `json:"action"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	PerformedBy string         `json:"performedBy,omitempty"`
}

// DateInput is a caller supplied date: either a concrete time or free text
// that is resolved by a date resolver. At wins when both are set.
type DateInput struct {
	At   time.Time
	Text string
}

func At(t time.Time) DateInput   { return DateInput{At: t} }
func Text(s string) DateInput    { return DateInput{Text: s} }
func (d DateInput) IsZero() bool { return d.At.IsZero() && d.Text == "" }
