package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"agenda/internal/eventbus"
	"agenda/internal/jobs"
	"agenda/internal/notifier"
	"agenda/internal/runtime/supervisor"
	"agenda/internal/task"
	"agenda/internal/task/scheduler"
	"agenda/pkg/logx"
)

const runnerName = "executor-queue"

// Queue polls for due tasks and executes them.
type Queue struct {
	mu  sync.Mutex
	cfg Config
	sup *supervisor.Supervisor

	sched  *scheduler.Service
	reg    *Registry
	sys    jobs.System
	notify notifier.Notifier
	bus    eventbus.Bus
	log    logx.Logger

	busy atomic.Bool

	smu       sync.Mutex
	lastRunAt time.Time
	lastBatch BatchReport
	totals    BatchReport
}

// New builds a stopped queue. It panics without a scheduler.
func New(cfg Config, deps Deps) *Queue {
	if deps.Scheduler == nil {
		panic("engine: nil scheduler")
	}
	q := &Queue{
		cfg:    cfg.withDefaults(),
		sched:  deps.Scheduler,
		reg:    deps.Registry,
		sys:    deps.Jobs,
		notify: deps.Notifier,
		bus:    deps.Bus,
		log:    deps.Log,
	}
	if q.reg == nil {
		q.reg = NewRegistry()
	}
	if q.notify == nil {
		q.notify = notifier.Nop{}
	}
	if q.bus == nil {
		q.bus = eventbus.Nop{}
	}
	return q
}

func (q *Queue) Registry() *Registry { return q.reg }

// Apply swaps the configuration. A new poll interval takes effect on the
// next Start.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup != nil
}

// Start begins polling. The first batch runs immediately. Start is
// idempotent.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.sup != nil {
		q.mu.Unlock()
		return
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(q.log),
		supervisor.WithCancelOnError(false),
	)
	q.sup = sup
	interval := q.cfg.PollInterval
	q.mu.Unlock()

	sup.GoRestart("queue.poll", func(c context.Context) error {
		return q.loop(c, sup, interval)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	q.log.Info("executor queue started", logx.Duration("interval", interval), logx.Int("batch", q.config().BatchSize))
}

// Stop ends polling and waits for the batch in flight, bounded by ctx.
// Claimed tasks run to completion or timeout. It is idempotent.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		q.log.Warn("executor queue stop timed out", logx.Err(err))
		return err
	}
	q.log.Info("executor queue stopped")
	return nil
}

func (q *Queue) loop(ctx context.Context, sup *supervisor.Supervisor, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	q.tick(sup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			q.tick(sup)
		}
	}
}

// tick starts a batch unless the previous one is still running. A batch
// outlives the poll loop: Stop waits for it instead of cancelling it.
func (q *Queue) tick(sup *supervisor.Supervisor) {
	if !q.busy.CompareAndSwap(false, true) {
		q.log.Debug("previous batch still running; tick skipped")
		return
	}
	sup.Go("queue.batch", func(ctx context.Context) error {
		defer q.busy.Store(false)
		if _, err := q.RunOnce(context.WithoutCancel(ctx)); err != nil {
			q.log.Error("batch failed", logx.Err(err))
		}
		return nil
	})
}

// RunOnce claims and processes up to BatchSize due tasks concurrently.
// Execution failures are recorded on the tasks, not returned.
func (q *Queue) RunOnce(ctx context.Context) (BatchReport, error) {
	cfg := q.config()
	ready, err := q.sched.GetTasksReadyForExecution(ctx, cfg.BatchSize)
	if err != nil {
		return BatchReport{}, err
	}
	rep := q.processAll(ctx, ready)

	q.smu.Lock()
	q.lastRunAt = time.Now()
	q.lastBatch = rep
	q.totals.merge(rep)
	q.smu.Unlock()

	if len(ready) > 0 {
		q.log.Info("batch processed",
			logx.Int("due", len(ready)),
			logx.Int("claimed", rep.Claimed),
			logx.Int("succeeded", rep.Succeeded),
			logx.Int("failed", rep.Failed),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("skipped", rep.Skipped))
	}
	return rep, nil
}

func (q *Queue) processAll(ctx context.Context, ts []*task.Task) BatchReport {
	outcomes := make([]Outcome, len(ts))
	var wg sync.WaitGroup
	for i, t := range ts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], _ = q.processTask(ctx, t.ID, runnerName)
		}()
	}
	wg.Wait()

	var rep BatchReport
	for _, o := range outcomes {
		rep.add(o)
	}
	return rep
}

// Status reports the loop state and task counts.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	stats, err := q.sched.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	q.mu.Lock()
	cfg, sup := q.cfg, q.sup
	q.mu.Unlock()

	q.smu.Lock()
	st := Status{
		Running:      sup != nil,
		BatchRunning: q.busy.Load(),
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		TaskTimeout:  cfg.TaskTimeout,
		Executors:    q.reg.Owners(),
		LastRunAt:    q.lastRunAt,
		LastBatch:    q.lastBatch,
		Totals:       q.totals,
		Tasks:        stats,
	}
	q.smu.Unlock()
	st.Supervisor = sup.Snapshot()
	return st, nil
}
