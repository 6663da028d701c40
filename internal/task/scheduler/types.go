package scheduler

import (
	"time"

	"agenda/internal/dateparse"
	"agenda/internal/eventbus"
	"agenda/internal/ratelimit"
	"agenda/internal/storage"
	"agenda/internal/task"
	"agenda/internal/task/recurrence"
	"agenda/pkg/logx"
)

// Rate limited operation names.
const (
	OpSchedule   = "schedule"
	OpUpdate     = "update"
	OpReschedule = "reschedule"
	OpCancel     = "cancel"
)

type Config struct {
	// WriteRetries bounds retries of a failed store write. Default 3.
	WriteRetries  int
	RetryBase     time.Duration // default 100ms
	RetryMaxDelay time.Duration // default 2s
	RetryJitter   float64       // default 0.2
}

func (c Config) withDefaults() Config {
	if c.WriteRetries <= 0 {
		c.WriteRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Deps are the collaborators of a Service. Store is required; Recurrence
// and Dates get defaults; Limiter and Bus are optional.
type Deps struct {
	Store      storage.Store
	Recurrence *recurrence.Engine
	Dates      dateparse.Resolver
	Limiter    *ratelimit.Limiter
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

// ScheduleInput describes a new task. Type is inferred: a Recurrence makes
// it recurring, a Trigger makes it a trigger task.
type ScheduleInput struct {
	Title       string
	Description string
	Type        task.Type
	Date        task.DateInput

	OwnerRef      string
	ProjectRef    string
	OrgRef        string
	ParentTaskRef string
	CreatedBy     string

	Recurrence *task.Recurrence
	Trigger    *task.Trigger
	Payload    map[string]any
	Metadata   map[string]any
}

// UpdateInput is a partial update. Nil fields are left alone.
type UpdateInput struct {
	Title       *string
	Description *string
	Date        *task.DateInput
	Recurrence  *task.Recurrence
	Trigger     *task.Trigger
	Payload     map[string]any
	Metadata    map[string]any
}

func (in UpdateInput) empty() bool {
	return in.Title == nil && in.Description == nil && in.Date == nil && in.Recurrence == nil &&
		in.Trigger == nil && in.Payload == nil && in.Metadata == nil
}

// UpcomingFilter selects tasks for GetUpcomingTasks.
type UpcomingFilter struct {
	OwnerRef   string
	ProjectRef string
	OrgRef     string

	// Statuses restricts the result. When empty, completed and cancelled
	// tasks are excluded unless IncludeCompleted is set.
	Statuses         []task.Status
	IncludeCompleted bool

	From time.Time
	To   time.Time

	// IncludeRecurring replaces recurring tasks with their virtual
	// occurrences inside [From, To]. Needs To.
	IncludeRecurring bool

	Limit int
}

// Completion is the outcome of CompleteTask.
type Completion struct {
	Task *task.Task
	// Next is the successor of a recurring task, nil when the series ended.
	Next *task.Task
}

// Stats is a point-in-time count over the store.
type Stats struct {
	Ready        int `json:"ready"`
	Running      int `json:"running"`
	Scheduled    int `json:"scheduled"`
	Failed24h    int `json:"failed24h"`
	Completed24h int `json:"completed24h"`
}
