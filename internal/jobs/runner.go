// Package jobs is the in-process external job system: typed handlers run on
// a bounded worker pool with retries, and each settled job is reported to a
// completion callback.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agenda/internal/eventbus"
	"agenda/internal/runtime/supervisor"
	"agenda/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Runner struct {
	mu         sync.Mutex
	cfg        Config
	log        logx.Logger
	bus        eventbus.Bus
	handlers   map[string]Handler
	onComplete CompletionFunc

	q      chan queuedJob
	sup    *supervisor.Supervisor
	stopCh chan struct{}

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	inFlight            atomic.Int32
	lastQueueFullWarnAt atomic.Int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

var _ System = (*Runner)(nil)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Runner{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		handlers: map[string]Handler{},
	}
}

// Handle registers h for jobType, replacing any previous handler.
func (r *Runner) Handle(jobType string, h Handler) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

// OnComplete sets the callback that receives settled jobs.
func (r *Runner) OnComplete(fn CompletionFunc) {
	r.mu.Lock()
	r.onComplete = fn
	r.mu.Unlock()
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCh != nil
}

// Start launches the workers. It is idempotent.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	cfg := r.cfg
	r.q = make(chan queuedJob, cfg.QueueSize)
	r.stopCh = make(chan struct{})
	r.sup = supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	queue, stopCh, sup := r.q, r.stopCh, r.sup
	r.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("jobs.worker.%d", idx), func(c context.Context) error {
			r.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	r.log.Info("job runner started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits for in-flight attempts, bounded by ctx.
// Jobs still queued are reported to the completion callback as failed.
func (r *Runner) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	sup, stopCh, queue := r.sup, r.stopCh, r.q
	r.sup, r.stopCh, r.q = nil, nil, nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	close(stopCh)
	err := sup.Stop(ctx)
	if n := r.abandon(ctx, queue); n > 0 {
		r.log.Warn("job runner stopped with queued jobs", logx.Int("abandoned", n))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		r.log.Warn("job runner stop timed out", logx.Err(err))
		return err
	}
	r.log.Info("job runner stopped")
	return nil
}

// abandon drains queue and settles every job left in it as failed.
func (r *Runner) abandon(ctx context.Context, queue chan queuedJob) int {
	cfg := r.cfg
	n := 0
	for {
		select {
		case qj := <-queue:
			n++
			job := qj.job
			reason := ErrStopped.Error()
			r.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: Event{ID: job.ID, JobID: job.JobID, Type: job.Type, TaskID: job.Input.TaskID, Error: reason}})
			r.appendHistory(HistoryItem{ID: job.ID, JobID: job.JobID, Type: job.Type, Started: time.Now(), Error: reason})
			res := Result{JobID: job.JobID, Type: job.Type, Status: StatusFailed, Error: reason}
			r.deliver(ctx, res, cfg.CompletionTimeout, r.log.With(logx.Job(job.JobID)))
		default:
			return n
		}
	}
}

// CreateJob enqueues a job for jobType. It blocks while the queue is full
// until ctx is done or the runner stops.
func (r *Runner) CreateJob(ctx context.Context, jobType string, in Input) (Job, error) {
	jobType = strings.TrimSpace(jobType)
	r.mu.Lock()
	_, known := r.handlers[jobType]
	cfg, q, stopCh := r.cfg, r.q, r.stopCh
	r.mu.Unlock()

	if !known {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	if q == nil {
		return Job{}, ErrStopped
	}
	now := time.Now()
	if open, until := r.circuits.isOpen(now, jobType, cfg); open {
		r.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Time: now, Data: Event{Type: jobType, JobID: in.JobID, TaskID: in.TaskID, Error: "circuit_open"}})
		return Job{}, fmt.Errorf("%w: %s until %s", ErrCircuitOpen, jobType, until.Format(time.RFC3339))
	}

	job := Job{ID: uuid.NewString(), JobID: in.JobID, Type: jobType, Input: in, CreatedAt: now}
	if job.JobID == "" {
		job.JobID = job.ID
		job.Input.JobID = job.ID
	}

	qj := queuedJob{job: job, enqueuedAt: now}
	select {
	case q <- qj:
		return job, nil
	default:
		r.warnQueueFull(now, q)
	}
	select {
	case q <- qj:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-stopCh:
		return Job{}, ErrStopped
	}
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	cfg, q, running := r.cfg, r.q, r.stopCh != nil
	handlers := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		handlers = append(handlers, k)
	}
	r.mu.Unlock()
	slices.Sort(handlers)

	r.hmu.Lock()
	h := slices.Clone(r.history)
	r.hmu.Unlock()

	total, open := r.circuits.snapshot(time.Now())
	snap := Snapshot{
		Running:      running,
		Workers:      cfg.Workers,
		InFlight:     int(r.inFlight.Load()),
		Handlers:     handlers,
		CircuitTotal: total,
		CircuitOpen:  open,
		History:      h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (r *Runner) handler(jobType string) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[jobType]
}

func (r *Runner) completion() CompletionFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onComplete
}

func (r *Runner) appendHistory(item HistoryItem) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if n := r.cfg.HistorySize; len(r.history) > n {
		r.history = r.history[len(r.history)-n:]
	}
	r.hmu.Unlock()
}

func (r *Runner) warnQueueFull(now time.Time, q chan queuedJob) {
	prev := r.lastQueueFullWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return
	}
	if r.lastQueueFullWarnAt.CompareAndSwap(prev, n) {
		r.log.Warn("job queue full; waiting", logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	}
}
