package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"agenda/internal/dateparse"
	"agenda/internal/eventbus"
	"agenda/internal/ratelimit"
	"agenda/internal/storage"
	"agenda/internal/task"
	"agenda/internal/task/recurrence"
	"agenda/pkg/logx"
)

type Service struct {
	cfg   Config
	store storage.Store
	rec   *recurrence.Engine
	dates dateparse.Resolver
	lim   *ratelimit.Limiter
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, deps Deps) *Service {
	if deps.Store == nil {
		panic("scheduler: nil store")
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		store: deps.Store,
		rec:   deps.Recurrence,
		dates: deps.Dates,
		lim:   deps.Limiter,
		bus:   deps.Bus,
		log:   deps.Log,
		now:   deps.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if s.rec == nil {
		s.rec = recurrence.New(recurrence.Config{})
	}
	if s.dates == nil {
		s.dates = dateparse.NewWhenResolver(nil)
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.Comp("scheduler"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Recurrence exposes the engine used for expansion and continuation.
func (s *Service) Recurrence() *recurrence.Engine { return s.rec }

// Now returns the scheduler clock.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) checkRate(subject, op string) error {
	if s.lim == nil || subject == "" {
		return nil
	}
	_, err := s.lim.Check(subject, op)
	return err
}

// resolveDate turns a DateInput into a time. The zero input resolves to the
// zero time; unresolvable text is task.ErrInvalidDate.
func (s *Service) resolveDate(in task.DateInput) (time.Time, error) {
	if !in.At.IsZero() {
		return in.At, nil
	}
	if in.Text == "" {
		return time.Time{}, nil
	}
	t, ok := s.dates.Parse(in.Text, s.now())
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", task.ErrInvalidDate, in.Text)
	}
	return t, nil
}

// write runs f, retrying store failures with jittered exponential backoff.
// Domain errors and cancellation are returned at once.
func (s *Service) write(ctx context.Context, op string, f func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.WriteRetries; attempt++ {
		if err = f(); err == nil || !retryable(err) {
			return err
		}
		if attempt == s.cfg.WriteRetries {
			break
		}
		d := s.backoffDelay(attempt)
		s.log.Warn("store write failed; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("backoff", d), logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, storage.ErrClosed):
		return false
	case errors.Is(err, task.ErrValidation), errors.Is(err, task.ErrNotFound),
		errors.Is(err, task.ErrNotInExpectedState), errors.Is(err, task.ErrInvalidDate),
		errors.Is(err, task.ErrRecurrence):
		return false
	}
	return true
}

func (s *Service) backoffDelay(retry int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > s.cfg.RetryMaxDelay {
			d = s.cfg.RetryMaxDelay
			break
		}
	}
	s.rngMu.Lock()
	r := (s.rng.Float64()*2 - 1) * s.cfg.RetryJitter
	s.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}

// record appends a history entry. Failures are logged, never returned.
func (s *Service) record(ctx context.Context, taskID, action, by string, details map[string]any) {
	e := task.HistoryEntry{
		TaskID:      taskID,
		Action:      action,
		Timestamp:   s.now(),
		Details:     details,
		PerformedBy: by,
	}
	if err := s.store.AppendHistory(ctx, e); err != nil {
		s.log.Warn("history append failed", logx.Task(taskID), logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(typ string, t *task.Task, by string, mut ...func(*eventbus.TaskEvent)) {
	ev := eventbus.TaskEvent{TaskID: t.ID, Owner: t.OwnerRef, Status: string(t.Status), By: by, JobID: t.JobID}
	for _, m := range mut {
		m(&ev)
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Service) find(ctx context.Context, id string) (*task.Task, error) {
	if id == "" {
		return nil, task.Validationf("task id required")
	}
	t, err := s.store.FindOne(ctx, storage.Filter{ID: id})
	if errors.Is(err, task.ErrNotFound) {
		return nil, task.NotFound(id)
	}
	return t, err
}
