package jobs

import (
	"context"
	"time"
)

// System is the external job-execution boundary the executor queue
// dispatches to when a task owner has no local executor.
type System interface {
	CreateJob(ctx context.Context, jobType string, in Input) (Job, error)
}

// Input is the job's view of the task that produced it.
type Input struct {
	// JobID is the correlation id already persisted on the task. When empty
	// the runner uses the job's own id.
	JobID    string         `json:"jobId,omitempty"`
	TaskID   string         `json:"taskId"`
	OwnerRef string         `json:"ownerRef"`
	Title    string         `json:"title"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Job struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Type      string    `json:"type"`
	Input     Input     `json:"input"`
	CreatedAt time.Time `json:"createdAt"`
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is delivered to the completion callback once a job settles.
type Result struct {
	JobID    string         `json:"jobId"`
	Type     string         `json:"type"`
	Status   Status         `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// Handler performs one job attempt.
type Handler func(ctx context.Context, job Job) (map[string]any, error)

// CompletionFunc receives settled jobs. It runs on a worker goroutine, or on
// the caller of Stop for jobs still queued, with a context detached from
// runner shutdown.
type CompletionFunc func(ctx context.Context, r Result)

// Config controls the in-process job runner.
type Config struct {
	Workers   int
	QueueSize int

	// Timeout bounds a single attempt. 0 means no limit.
	Timeout time.Duration

	// RetryMax is the number of retries after the first attempt.
	// 0 applies the default; negative disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int

	// Circuit breaker per job type, tripped by consecutive failures.
	// CircuitTripFailures < 0 disables it; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration

	// CompletionTimeout bounds the completion callback.
	CompletionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 30 * time.Second
	}
	return c
}

type HistoryItem struct {
	ID         string        `json:"id"`
	JobID      string        `json:"jobId"`
	Type       string        `json:"type"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queueDelay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Event is the Data payload of job.* bus events.
type Event struct {
	ID       string        `json:"id"`
	JobID    string        `json:"jobId"`
	Type     string        `json:"type"`
	TaskID   string        `json:"taskId,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a diagnostics view of the runner.
type Snapshot struct {
	Running      bool          `json:"running"`
	Workers      int           `json:"workers"`
	QueueLen     int           `json:"queueLen"`
	QueueCap     int           `json:"queueCap"`
	InFlight     int           `json:"inFlight"`
	Handlers     []string      `json:"handlers"`
	CircuitTotal int           `json:"circuitTotal"`
	CircuitOpen  int           `json:"circuitOpen"`
	History      []HistoryItem `json:"history"`
}
