package engine

import (
	"context"
	"errors"
	"time"

	"agenda/internal/eventbus"
	"agenda/internal/jobs"
	"agenda/internal/notifier"
	"agenda/internal/runtime/supervisor"
	"agenda/internal/task"
	"agenda/internal/task/scheduler"
	"agenda/pkg/logx"
)

var (
	ErrTimeout    = task.ErrTimeout
	ErrNoExecutor = errors.New("no executor or job type for owner")
	ErrNoJobs     = errors.New("no job system configured")
)

// Executor runs a claimed task and returns its result.
type Executor func(ctx context.Context, t *task.Task) (map[string]any, error)

// Config controls the poll loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// TaskTimeout bounds the wait for a local executor.
	TaskTimeout time.Duration
	AutoStart   bool

	// JobTypes maps an owner ref to the job type used when the owner has
	// no executor. DefaultJobType applies to unmapped owners; empty means
	// such tasks fail.
	JobTypes       map[string]string
	DefaultJobType string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	return c
}

func (c Config) jobTypeFor(owner string) string {
	if jt, ok := c.JobTypes[owner]; ok && jt != "" {
		return jt
	}
	return c.DefaultJobType
}

type Deps struct {
	Scheduler *scheduler.Service
	Registry  *Registry
	Jobs      jobs.System
	Notifier  notifier.Notifier
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Outcome is what happened to one task in a batch.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeDispatched
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeDispatched:
		return "dispatched"
	}
	return "skipped"
}

// BatchReport counts the outcomes of one poll. Claimed is every task this
// process won; Skipped ones were claimed elsewhere first.
type BatchReport struct {
	Claimed    int `json:"claimed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Dispatched int `json:"dispatched"`
}

func (r *BatchReport) add(o Outcome) {
	switch o {
	case OutcomeSkipped:
		r.Skipped++
		return
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeDispatched:
		r.Dispatched++
	}
	r.Claimed++
}

func (r *BatchReport) merge(o BatchReport) {
	r.Claimed += o.Claimed
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Dispatched += o.Dispatched
}

// JobResult is the settled state of a dispatched job.
type JobResult struct {
	Status jobs.Status
	Result map[string]any
	Error  string
}

// Status is a health view of the queue.
type Status struct {
	Running      bool                `json:"running"`
	BatchRunning bool                `json:"batchRunning"`
	PollInterval time.Duration       `json:"pollInterval"`
	BatchSize    int                 `json:"batchSize"`
	TaskTimeout  time.Duration       `json:"taskTimeout"`
	Executors    []string            `json:"executors"`
	LastRunAt    time.Time           `json:"lastRunAt,omitempty"`
	LastBatch    BatchReport         `json:"lastBatch"`
	Totals       BatchReport         `json:"totals"`
	Tasks        scheduler.Stats     `json:"tasks"`
	Supervisor   supervisor.Snapshot `json:"supervisor"`
}
