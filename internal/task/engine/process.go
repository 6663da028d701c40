package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"agenda/internal/eventbus"
	"agenda/internal/jobs"
	"agenda/internal/notifier"
	"agenda/internal/task"
	"agenda/pkg/logx"
)

// finalizeTimeout bounds status writes made after execution. They run on a
// context detached from shutdown so a finished task is not left running.
const finalizeTimeout = 30 * time.Second

// processTask claims id and runs it to a terminal state or a dispatched job.
// The returned error explains a skipped or failed outcome.
func (q *Queue) processTask(ctx context.Context, id, by string) (Outcome, error) {
	t, err := q.sched.StartTask(ctx, id, by)
	if err != nil {
		if errors.Is(err, task.ErrNotInExpectedState) {
			q.log.Debug("task already claimed", logx.Task(id))
		} else {
			q.log.Warn("task claim failed", logx.Task(id), logx.Err(err))
		}
		return OutcomeSkipped, err
	}
	q.publish(eventbus.TaskClaimed, t, by, "", "")
	log := q.log.With(logx.Task(t.ID), logx.Owner(t.OwnerRef))
	cfg := q.config()

	if exec, ok := q.reg.Get(t.OwnerRef); ok {
		started := time.Now()
		result, err := q.runExecutor(ctx, exec, t, cfg.TaskTimeout)
		fctx, cancel := finalizeContext(ctx)
		defer cancel()
		if err != nil {
			q.fail(fctx, t, err.Error(), by)
			return OutcomeFailed, &task.ExecutionError{TaskID: t.ID, Cause: err}
		}
		if _, err := q.sched.CompleteTask(fctx, t.ID, result, by); err != nil {
			log.Warn("task finished but could not be completed", logx.Err(err))
			return OutcomeFailed, err
		}
		t.Status = task.StatusCompleted
		q.publish(eventbus.TaskCompleted, t, by, "", "")
		log.Info("task completed", logx.Duration("dur", time.Since(started)))
		return OutcomeSucceeded, nil
	}

	jobID, err := q.dispatch(ctx, t, by, cfg)
	if err != nil {
		fctx, cancel := finalizeContext(ctx)
		defer cancel()
		q.fail(fctx, t, err.Error(), by)
		return OutcomeFailed, &task.ExecutionError{TaskID: t.ID, Cause: err}
	}
	q.publish(eventbus.TaskDispatched, t, by, jobID, "")
	return OutcomeDispatched, nil
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// runExecutor races exec against timeout. Cancelling ctx does not abort a
// claimed task; only the timeout does. On timeout the executor's context is
// cancelled but the queue does not wait for it to return.
func (q *Queue) runExecutor(ctx context.Context, exec Executor, t *task.Task, timeout time.Duration) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("executor panicked", logx.Task(t.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := exec(runCtx, t.Clone())
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// dispatch hands t to the job system. The correlation id is stored on the
// task before the job exists so an early completion always finds it.
func (q *Queue) dispatch(ctx context.Context, t *task.Task, by string, cfg Config) (string, error) {
	jobType := cfg.jobTypeFor(t.OwnerRef)
	if jobType == "" {
		return "", fmt.Errorf("%w: %q", ErrNoExecutor, t.OwnerRef)
	}
	if q.sys == nil {
		return "", ErrNoJobs
	}
	jobID := uuid.NewString()
	if err := q.sched.AttachJob(ctx, t.ID, jobID, by); err != nil {
		return "", err
	}
	job, err := q.sys.CreateJob(ctx, jobType, jobs.Input{
		JobID:    jobID,
		TaskID:   t.ID,
		OwnerRef: t.OwnerRef,
		Title:    t.Title,
		Payload:  t.Payload,
		Metadata: t.Metadata,
	})
	if err != nil {
		return jobID, fmt.Errorf("create %s job: %w", jobType, err)
	}
	q.log.Info("task dispatched",
		logx.Task(t.ID),
		logx.String("job_type", jobType),
		logx.Job(jobID),
		logx.String("job_ref", job.ID))
	return jobID, nil
}

// fail records reason on a running task and notifies the owner. Neither a
// store error nor a notification error propagates.
func (q *Queue) fail(ctx context.Context, t *task.Task, reason, by string) {
	log := q.log.With(logx.Task(t.ID), logx.Owner(t.OwnerRef))
	if err := q.sched.FailTask(ctx, t.ID, reason, by); err != nil {
		log.Error("could not mark task failed", logx.String("reason", reason), logx.Err(err))
		return
	}
	t.Status = task.StatusFailed
	q.publish(eventbus.TaskFailed, t, by, t.JobID, reason)
	log.Warn("task failed", logx.String("reason", reason))

	scope := notifier.Scope{OwnerRef: t.OwnerRef, ProjectRef: t.ProjectRef, OrgRef: t.OrgRef, TaskID: t.ID}
	msg := fmt.Sprintf("Task %q failed: %s", t.Title, reason)
	if err := q.notify.Notify(ctx, scope, msg); err != nil {
		log.Debug("failure notification not sent", logx.Err(err))
	}
}

func (q *Queue) publish(typ string, t *task.Task, by, jobID, errText string) {
	q.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskEvent{
		TaskID: t.ID,
		Owner:  t.OwnerRef,
		Status: string(t.Status),
		By:     by,
		JobID:  jobID,
		Error:  errText,
	}})
}

// HandleJobCompletion settles the task correlated with jobID.
func (q *Queue) HandleJobCompletion(ctx context.Context, jobID string, res JobResult) error {
	t, err := q.sched.FindByJobID(ctx, jobID)
	if err != nil {
		return err
	}
	by := "job:" + jobID
	if res.Status == jobs.StatusCompleted {
		if _, err := q.sched.CompleteTask(ctx, t.ID, res.Result, by); err != nil {
			return err
		}
		t.Status = task.StatusCompleted
		q.publish(eventbus.TaskCompleted, t, by, jobID, "")
		q.log.Info("dispatched task completed", logx.Task(t.ID), logx.Job(jobID))
		return nil
	}
	if t.Status != task.StatusRunning {
		return fmt.Errorf("job %s for task %s: %w", jobID, t.ID, task.ErrNotInExpectedState)
	}
	reason := res.Error
	if reason == "" {
		reason = "job failed"
	}
	q.fail(ctx, t, reason, by)
	return nil
}

// JobCallback adapts HandleJobCompletion to the job runner's callback.
func (q *Queue) JobCallback() jobs.CompletionFunc {
	return func(ctx context.Context, r jobs.Result) {
		err := q.HandleJobCompletion(ctx, r.JobID, JobResult{Status: r.Status, Result: r.Result, Error: r.Error})
		if err != nil {
			q.log.Warn("job completion not applied", logx.Job(r.JobID), logx.Err(err))
		}
	}
}

// ExecuteTaskManually runs one task now, whatever its scheduled time. The
// task must still be claimable.
func (q *Queue) ExecuteTaskManually(ctx context.Context, id, by string) (Outcome, error) {
	if _, err := q.sched.GetTask(ctx, id); err != nil {
		return OutcomeSkipped, err
	}
	if by == "" {
		by = runnerName
	}
	o, err := q.processTask(ctx, id, by)
	q.smu.Lock()
	q.totals.add(o)
	q.smu.Unlock()
	return o, err
}

// ProcessTriggerTasks fires every task waiting for eventName, merging
// payload into each task's payload first.
func (q *Queue) ProcessTriggerTasks(ctx context.Context, eventName string, payload map[string]any) (BatchReport, error) {
	ts, err := q.sched.EventTriggeredTasks(ctx, eventName, payload)
	if err != nil && len(ts) == 0 {
		return BatchReport{}, err
	}
	rep := q.processAll(ctx, ts)
	q.smu.Lock()
	q.totals.merge(rep)
	q.smu.Unlock()
	q.log.Info("trigger processed", logx.String("event", eventName), logx.Int("tasks", len(ts)), logx.Int("claimed", rep.Claimed))
	return rep, err
}
