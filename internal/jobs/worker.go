package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"agenda/internal/eventbus"
	"agenda/pkg/logx"
)

func (r *Runner) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob, idx int) {
	// Per-worker RNG keeps jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			r.inFlight.Add(1)
			r.execOne(ctx, stopCh, qj, rng)
			r.inFlight.Add(-1)
		}
	}
}

func (r *Runner) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	job := qj.job
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)
	cfg := r.cfg
	log := r.log.With(logx.Job(job.JobID), logx.String("type", job.Type))

	r.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: start, Data: Event{ID: job.ID, JobID: job.JobID, Type: job.Type, TaskID: job.Input.TaskID}})
	log.Debug("job started", logx.Duration("queue_delay", queueDelay))

	h := r.handler(job.Type)
	var (
		out      map[string]any
		err      error
		attempts int
	)
	if h == nil {
		err = fmt.Errorf("%w: %q", ErrUnknownType, job.Type)
	}

attemptLoop:
	for attempt := 1; h != nil && attempt <= 1+cfg.RetryMax; attempt++ {
		attempts = attempt
		out, err = r.attempt(ctx, h, job, cfg.Timeout, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > cfg.RetryMax {
			break
		}
		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = fmt.Errorf("%w: %w", ErrStopped, err)
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = fmt.Errorf("%w: %w", ErrStopped, err)
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: job.ID, JobID: job.JobID, Type: job.Type, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	res := Result{JobID: job.JobID, Type: job.Type, Status: StatusCompleted, Result: out, Attempts: attempts}
	ev := Event{ID: job.ID, JobID: job.JobID, Type: job.Type, TaskID: job.Input.TaskID, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		res.Status, res.Result, res.Error = StatusFailed, nil, err.Error()
		ev.Error = err.Error()
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		r.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
	} else {
		log.Debug("job finished", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		r.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: ev})
	}
	if !errors.Is(err, ErrUnknownType) {
		r.circuits.record(time.Now(), job.Type, cfg, err)
	}
	r.appendHistory(item)
	r.deliver(ctx, res, cfg.CompletionTimeout, log)
}

// attempt runs h once with the per-attempt timeout, turning a panic into an
// error.
func (r *Runner) attempt(ctx context.Context, h Handler, job Job, timeout time.Duration, log logx.Logger) (out map[string]any, err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error("job panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(runCtx, job)
}

// deliver hands res to the completion callback. The callback outlives runner
// shutdown so a job that finished is still recorded.
func (r *Runner) deliver(ctx context.Context, res Result, timeout time.Duration, log logx.Logger) {
	fn := r.completion()
	if fn == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job completion callback panicked", logx.Any("panic", rec))
		}
	}()
	fn(cctx, res)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		f := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = max(time.Duration(float64(d)*(1+f)), 0)
	}
	return min(d, cfg.RetryMaxDelay)
}
