package eventbus

// Task lifecycle event types.
const (
	TaskScheduled   = "task.scheduled"
	TaskUpdated     = "task.updated"
	TaskRescheduled = "task.rescheduled"
	TaskCancelled   = "task.cancelled"
	TaskDeleted     = "task.deleted"
	TaskClaimed     = "task.claimed"
	TaskCompleted   = "task.completed"
	TaskFailed      = "task.failed"
	TaskDispatched  = "task.dispatched"
	TaskTriggered   = "task.triggered"
	TaskRecurred    = "task.recurred"

	ConfigReloaded = "config.reloaded"
)

// Job runner event types. Data is jobs.Event.
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobSkipped  = "job.skipped"
)

// Notifier event types. Data is notifier.Event.
const (
	NotifyQueued  = "notifier.queued"
	NotifySent    = "notifier.sent"
	NotifyFailed  = "notifier.failed"
	NotifyDropped = "notifier.dropped"
	NotifyDeduped = "notifier.deduped"
)

// TaskEvent is the Data payload of task.* events.
type TaskEvent struct {
	TaskID  string `json:"taskId"`
	Owner   string `json:"owner,omitempty"`
	Status  string `json:"status,omitempty"`
	By      string `json:"by,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	Related string `json:"related,omitempty"` // successor or source task id
	Error   string `json:"error,omitempty"`
}
