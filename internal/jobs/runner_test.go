package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"agenda/internal/eventbus"
	"agenda/pkg/logx"
)

func newRunner(t *testing.T, cfg Config) (*Runner, chan Result) {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	r := New(cfg, logx.Nop(), eventbus.New())
	done := make(chan Result, 16)
	r.OnComplete(func(_ context.Context, res Result) { done <- res })
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, done
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job completion")
		return Result{}
	}
}

func TestCreateJobRunsHandlerAndReportsResult(t *testing.T) {
	t.Parallel()
	r, done := newRunner(t, Config{})
	r.Handle("reminder", func(_ context.Context, j Job) (map[string]any, error) {
		return map[string]any{"task": j.Input.TaskID}, nil
	})
	r.Start(context.Background())

	job, err := r.CreateJob(context.Background(), "reminder", Input{JobID: "corr-1", TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || job.JobID != "corr-1" {
		t.Fatalf("job ids: %+v", job)
	}
	res := waitResult(t, done)
	if res.JobID != "corr-1" || res.Status != StatusCompleted || res.Result["task"] != "t1" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCreateJobGeneratesCorrelationID(t *testing.T) {
	t.Parallel()
	r, done := newRunner(t, Config{})
	r.Handle("noop", func(context.Context, Job) (map[string]any, error) { return nil, nil })
	r.Start(context.Background())

	job, err := r.CreateJob(context.Background(), "noop", Input{TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if job.JobID != job.ID || job.Input.JobID != job.ID {
		t.Fatalf("correlation id not defaulted: %+v", job)
	}
	waitResult(t, done)
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	r, done := newRunner(t, Config{RetryMax: 3})
	var calls atomic.Int32
	r.Handle("flaky", func(context.Context, Job) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})
	r.Start(context.Background())

	if _, err := r.CreateJob(context.Background(), "flaky", Input{TaskID: "t"}); err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, done)
	if res.Status != StatusCompleted || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestNoRetryAndPanicFailImmediately(t *testing.T) {
	t.Parallel()
	r, done := newRunner(t, Config{RetryMax: 5, CircuitTripFailures: -1})
	var calls atomic.Int32
	r.Handle("bad", func(context.Context, Job) (map[string]any, error) {
		calls.Add(1)
		return nil, NoRetry(errors.New("bad payload"))
	})
	r.Handle("boom", func(context.Context, Job) (map[string]any, error) {
		panic("kaboom")
	})
	r.Start(context.Background())

	_, _ = r.CreateJob(context.Background(), "bad", Input{})
	res := waitResult(t, done)
	if res.Status != StatusFailed || res.Error != "bad payload" || calls.Load() != 1 {
		t.Fatalf("no-retry result = %+v calls=%d", res, calls.Load())
	}

	r2, done2 := newRunner(t, Config{RetryMax: -1})
	r2.Handle("boom", func(context.Context, Job) (map[string]any, error) { panic("kaboom") })
	r2.Start(context.Background())
	_, _ = r2.CreateJob(context.Background(), "boom", Input{})
	res = waitResult(t, done2)
	if res.Status != StatusFailed || res.Attempts != 1 {
		t.Fatalf("panic result = %+v", res)
	}
	if !r2.Running() {
		t.Fatal("runner died after handler panic")
	}
}

func TestCreateJobRejections(t *testing.T) {
	t.Parallel()
	r, _ := newRunner(t, Config{})
	r.Handle("known", func(context.Context, Job) (map[string]any, error) { return nil, nil })

	if _, err := r.CreateJob(context.Background(), "known", Input{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start: %v", err)
	}
	r.Start(context.Background())
	if _, err := r.CreateJob(context.Background(), "unknown", Input{}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type: %v", err)
	}
	_ = r.Stop(context.Background())
	if _, err := r.CreateJob(context.Background(), "known", Input{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestStopSettlesQueuedJobsAsFailed(t *testing.T) {
	t.Parallel()
	r, done := newRunner(t, Config{Workers: 1, RetryMax: -1})
	started := make(chan struct{}, 1)
	r.Handle("slow", func(ctx context.Context, _ Job) (map[string]any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r.Start(context.Background())

	for _, id := range []string{"busy", "q1", "q2"} {
		if _, err := r.CreateJob(context.Background(), "slow", Input{JobID: id}); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first job did not start")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := map[string]Result{}
	for range 3 {
		res := waitResult(t, done)
		got[res.JobID] = res
	}
	for _, id := range []string{"q1", "q2"} {
		res, ok := got[id]
		if !ok || res.Status != StatusFailed || res.Error != ErrStopped.Error() {
			t.Fatalf("%s: %+v", id, res)
		}
	}
	if got["busy"].Status != StatusFailed {
		t.Fatalf("busy: %+v", got["busy"])
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	r, done := newRunner(t, Config{RetryMax: -1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	r.Handle("down", func(context.Context, Job) (map[string]any, error) { return nil, errors.New("unavailable") })
	r.Start(context.Background())

	for i := 0; i < 2; i++ {
		if _, err := r.CreateJob(context.Background(), "down", Input{}); err != nil {
			t.Fatal(err)
		}
		waitResult(t, done)
	}
	if _, err := r.CreateJob(context.Background(), "down", Input{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	snap := r.Snapshot()
	if snap.CircuitOpen != 1 || len(snap.History) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		retry    int
		min, max time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{10, 800 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoffDelay(cfg, tt.retry, rng)
			if d < tt.min || d > tt.max {
				t.Fatalf("retry %d: delay %s outside [%s, %s]", tt.retry, d, tt.min, tt.max)
			}
		}
	}
	hinted := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("429"), time.Hour), rng)
	if hinted > time.Second {
		t.Fatalf("retry-after hint not capped: %s", hinted)
	}
}
