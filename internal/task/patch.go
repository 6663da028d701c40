package task

import (
	"maps"
	"slices"
	"time"
)

// Patch is a partial update applied atomically by a store. Nil fields are left
// untouched. Maps replace the stored value wholesale.
type Patch struct {
	Title       *string
	Description *string
	Type        *Type
	Status      *Status
	ScheduledAt *time.Time

	OwnerRef   *string
	ProjectRef *string
	OrgRef     *string

	Recurrence *Recurrence
	Trigger    *Trigger
	Payload    map[string]any
	Metadata   map[string]any

	UpdatedAt   *time.Time
	ExecutedAt  *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	FailedAt    *time.Time

	Result       map[string]any
	Error        *string
	CancelReason *string
	JobID        *string
}

// Apply writes the patch onto t.
func (p Patch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.ScheduledAt != nil {
		t.ScheduledAt = *p.ScheduledAt
	}
	if p.OwnerRef != nil {
		t.OwnerRef = *p.OwnerRef
	}
	if p.ProjectRef != nil {
		t.ProjectRef = *p.ProjectRef
	}
	if p.OrgRef != nil {
		t.OrgRef = *p.OrgRef
	}
	if p.Recurrence != nil {
		r := *p.Recurrence
		r.EndDate = cloneTime(p.Recurrence.EndDate)
		r.DaysOfWeek = slices.Clone(p.Recurrence.DaysOfWeek)
		t.Recurrence = &r
	}
	if p.Trigger != nil {
		tr := *p.Trigger
		tr.Config = maps.Clone(p.Trigger.Config)
		t.Trigger = &tr
	}
	if p.Payload != nil {
		t.Payload = maps.Clone(p.Payload)
	}
	if p.Metadata != nil {
		t.Metadata = maps.Clone(p.Metadata)
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	}
	if p.ExecutedAt != nil {
		t.ExecutedAt = cloneTime(p.ExecutedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.CancelledAt != nil {
		t.CancelledAt = cloneTime(p.CancelledAt)
	}
	if p.FailedAt != nil {
		t.FailedAt = cloneTime(p.FailedAt)
	}
	if p.Result != nil {
		t.Result = maps.Clone(p.Result)
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.CancelReason != nil {
		t.CancelReason = *p.CancelReason
	}
	if p.JobID != nil {
		t.JobID = *p.JobID
	}
}

// Ptr returns a pointer to v. Handy when building patches.
func Ptr[T any](v T) *T { return &v }
