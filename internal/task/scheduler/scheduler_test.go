package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agenda/internal/dateparse"
	"agenda/internal/ratelimit"
	"agenda/internal/storage"
	"agenda/internal/task"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, lim *ratelimit.Limiter) (*Service, storage.Store, *clock) {
	t.Helper()
	clk := &clock{t: epoch}
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	svc := New(Config{WriteRetries: 2, RetryBase: time.Millisecond}, Deps{
		Store:   st,
		Dates:   dateparse.NewWhenResolver(time.UTC),
		Limiter: lim,
		Now:     clk.Now,
	})
	return svc, st, clk
}

func manual(at time.Time) ScheduleInput {
	return ScheduleInput{Title: "call", OwnerRef: "agent-1", CreatedBy: "user-1", Date: task.At(at)}
}

func actions(t *testing.T, svc *Service, id string) []string {
	t.Helper()
	hs, err := svc.TaskHistory(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Action
	}
	return out
}

func TestScheduleManualRequiresFutureDate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, at := range []time.Time{epoch.Add(-time.Minute), epoch} {
		if _, err := svc.Schedule(ctx, manual(at)); !errors.Is(err, task.ErrValidation) {
			t.Fatalf("schedule at %s: err = %v, want validation", at, err)
		}
	}

	tk, err := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if tk.ID == "" || tk.Status != task.StatusScheduled || tk.Type != task.TypeManual {
		t.Fatalf("unexpected task: %+v", tk)
	}
	if got := actions(t, svc, tk.ID); len(got) != 1 || got[0] != task.ActionCreated {
		t.Fatalf("history = %v", got)
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	future := epoch.Add(time.Hour)

	tests := []struct {
		name string
		in   ScheduleInput
		want error
	}{
		{"unresolvable text", ScheduleInput{Title: "x", OwnerRef: "o", Date: task.Text("when pigs fly")}, task.ErrInvalidDate},
		{"missing title", ScheduleInput{OwnerRef: "o", Date: task.At(future)}, task.ErrValidation},
		{"missing owner", ScheduleInput{Title: "x", Date: task.At(future)}, task.ErrValidation},
		{"missing date", ScheduleInput{Title: "x", OwnerRef: "o"}, task.ErrValidation},
		{"bad custom rule", ScheduleInput{Title: "x", OwnerRef: "o", Date: task.At(future),
			Recurrence: &task.Recurrence{Pattern: task.PatternCustom, CustomRule: "FREQ=NEVER"}}, task.ErrRecurrence},
		{"day of month out of range", ScheduleInput{Title: "x", OwnerRef: "o", Date: task.At(future),
			Recurrence: &task.Recurrence{Pattern: task.PatternMonthly, DayOfMonth: 40}}, task.ErrRecurrence},
		{"bad weekday", ScheduleInput{Title: "x", OwnerRef: "o", Date: task.At(future),
			Recurrence: &task.Recurrence{Pattern: task.PatternWeekly, DaysOfWeek: []int{-1}}}, task.ErrRecurrence},
		{"recurrence and trigger", ScheduleInput{Title: "x", OwnerRef: "o", Date: task.At(future),
			Recurrence: &task.Recurrence{Pattern: task.PatternDaily},
			Trigger:    &task.Trigger{Type: task.TriggerWebhook}}, task.ErrValidation},
		{"event trigger without name", ScheduleInput{Title: "x", OwnerRef: "o",
			Trigger: &task.Trigger{Type: task.TriggerEvent}}, task.ErrValidation},
		{"recurring type without recurrence", ScheduleInput{Title: "x", OwnerRef: "o", Type: task.TypeRecurring, Date: task.At(future)}, task.ErrValidation},
	}
	for _, tt := range tests {
		if _, err := svc.Schedule(ctx, tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestScheduleNormalizesRecurrenceAndTrigger(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	tk, err := svc.Schedule(ctx, ScheduleInput{
		Title: "standup", OwnerRef: "o", Date: task.At(epoch.Add(-time.Hour)),
		Recurrence: &task.Recurrence{Pattern: task.PatternWeekly, DaysOfWeek: []int{5, 1, 5}},
	})
	if err != nil {
		t.Fatalf("recurring task may start in the past: %v", err)
	}
	if tk.Type != task.TypeRecurring || tk.Recurrence.Interval != 1 {
		t.Fatalf("unexpected recurrence: %+v", tk.Recurrence)
	}
	if d := tk.Recurrence.DaysOfWeek; len(d) != 2 || d[0] != 1 || d[1] != 5 {
		t.Fatalf("days not normalized: %v", d)
	}

	trig, err := svc.Schedule(ctx, ScheduleInput{
		Title: "on deploy", OwnerRef: "o",
		Trigger: &task.Trigger{Type: task.TriggerEvent, Config: map[string]any{task.TriggerEventNameKey: "deploy"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if trig.Type != task.TypeTrigger || !trig.ScheduledAt.Equal(epoch) {
		t.Fatalf("trigger task: %+v", trig)
	}
}

func TestStartTaskRequiresClaimableStatus(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t, nil)
	ctx := context.Background()
	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	if _, err := svc.StartTask(ctx, tk.ID, "q"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CompleteTask(ctx, tk.ID, map[string]any{"ok": true}, "q"); err != nil {
		t.Fatal(err)
	}
	before, _ := st.FindOne(ctx, storage.Filter{ID: tk.ID})

	if _, err := svc.StartTask(ctx, tk.ID, "q"); !errors.Is(err, task.ErrNotInExpectedState) {
		t.Fatalf("err = %v, want not in expected state", err)
	}
	after, _ := st.FindOne(ctx, storage.Filter{ID: tk.ID})
	if after.Status != task.StatusCompleted || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("task mutated by failed start: %+v", after)
	}
	if err := svc.FailTask(ctx, tk.ID, "late", "q"); !errors.Is(err, task.ErrNotInExpectedState) {
		t.Fatalf("fail on completed: %v", err)
	}
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StartTask(ctx, tk.ID, "worker")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, task.ErrNotInExpectedState):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || losses != n-1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}
	started := 0
	for _, a := range actions(t, svc, tk.ID) {
		if a == task.ActionStarted {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("started entries = %d, want 1", started)
	}
}

func TestCompleteDailyCreatesOneSuccessor(t *testing.T) {
	t.Parallel()
	svc, st, clk := newTestService(t, nil)
	ctx := context.Background()
	at := epoch.Add(time.Hour)
	tk, err := svc.Schedule(ctx, ScheduleInput{
		Title: "water plants", OwnerRef: "o", Date: task.At(at),
		Recurrence: &task.Recurrence{Pattern: task.PatternDaily, Interval: 1},
		Payload:    map[string]any{"room": "kitchen"},
	})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	if _, err := svc.StartTask(ctx, tk.ID, "q"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	done, err := svc.CompleteTask(ctx, tk.ID, nil, "q")
	if err != nil {
		t.Fatal(err)
	}
	next := done.Next
	if next == nil {
		t.Fatal("no successor")
	}
	if !next.ScheduledAt.Equal(at.Add(24 * time.Hour)) {
		t.Fatalf("successor at %s, want %s", next.ScheduledAt, at.Add(24*time.Hour))
	}
	if next.Metadata["previousTaskId"] != tk.ID || next.Payload["room"] != "kitchen" {
		t.Fatalf("successor did not carry data: %+v", next)
	}
	if next.Status != task.StatusScheduled || next.Recurrence == nil {
		t.Fatalf("successor state: %+v", next)
	}
	n, _ := st.Count(ctx, storage.Filter{Types: []task.Type{task.TypeRecurring}, Statuses: []task.Status{task.StatusScheduled}})
	if n != 1 {
		t.Fatalf("scheduled recurring tasks = %d, want exactly 1", n)
	}
}

func TestCompleteRecurringRespectsEndDate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	at := epoch.Add(time.Hour)
	end := at.Add(12 * time.Hour)
	tk, err := svc.Schedule(ctx, ScheduleInput{
		Title: "once more", OwnerRef: "o", Date: task.At(at),
		Recurrence: &task.Recurrence{Pattern: task.PatternDaily, Interval: 1, EndDate: &end},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = svc.StartTask(ctx, tk.ID, "q")
	done, err := svc.CompleteTask(ctx, tk.ID, nil, "q")
	if err != nil {
		t.Fatal(err)
	}
	if done.Next != nil {
		t.Fatalf("series should have ended, got %+v", done.Next)
	}
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.CancelTask(ctx, "missing", "", "u"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}

	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	_, _ = svc.StartTask(ctx, tk.ID, "q")
	_, _ = svc.CompleteTask(ctx, tk.ID, nil, "q")
	err := svc.CancelTask(ctx, tk.ID, "too late", "u")
	if !errors.Is(err, task.ErrValidation) || errors.Is(err, task.ErrNotFound) {
		t.Fatalf("cancel completed: %v", err)
	}

	other, _ := svc.Schedule(ctx, manual(epoch.Add(2*time.Hour)))
	if err := svc.CancelTask(ctx, other.ID, "changed plans", "u"); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.GetTask(ctx, other.ID)
	if got.Status != task.StatusCancelled || got.CancelReason != "changed plans" || got.CancelledAt == nil {
		t.Fatalf("cancelled task: %+v", got)
	}
}

func TestUpcomingTomorrowScenario(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	tk, err := svc.Schedule(ctx, ScheduleInput{Title: "dentist", OwnerRef: "o", Date: task.Text("tomorrow")})
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetUpcomingTasks(ctx, UpcomingFilter{From: epoch, To: epoch.Add(48 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != tk.ID {
		t.Fatalf("two-day window: %+v", got)
	}

	got, _ = svc.GetUpcomingTasks(ctx, UpcomingFilter{From: epoch, To: epoch.Add(12 * time.Hour)})
	if len(got) != 0 {
		t.Fatalf("window ending before tomorrow returned %d tasks", len(got))
	}
}

func TestUpcomingExpandsRecurring(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	series, err := svc.Schedule(ctx, ScheduleInput{
		Title: "daily", OwnerRef: "o", Date: task.At(epoch.Add(-48 * time.Hour)),
		Recurrence: &task.Recurrence{Pattern: task.PatternDaily, Interval: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	single, _ := svc.Schedule(ctx, manual(epoch.Add(36*time.Hour)))

	got, err := svc.GetUpcomingTasks(ctx, UpcomingFilter{From: epoch, To: epoch.Add(72 * time.Hour), IncludeRecurring: true})
	if err != nil {
		t.Fatal(err)
	}
	// epoch, +24h, +48h, +72h occurrences plus the manual task.
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, tk := range got {
		if i > 0 && tk.ScheduledAt.Before(got[i-1].ScheduledAt) {
			t.Fatal("result not sorted")
		}
		if tk.ID == series.ID {
			t.Fatal("literal recurring task should be replaced by occurrences")
		}
		if tk.ID != single.ID && (!tk.IsRecurrenceInstance || tk.OriginalTaskID != series.ID) {
			t.Fatalf("unexpected record: %+v", tk)
		}
	}
	if got[2].ID != single.ID {
		t.Fatalf("manual task not merged in order: %s", got[2].ID)
	}
}

func TestRescheduleAndUpdate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))

	if _, err := svc.RescheduleTask(ctx, tk.ID, task.At(epoch.Add(-time.Hour)), "u"); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("past reschedule: %v", err)
	}
	if _, err := svc.RescheduleTask(ctx, "missing", task.At(epoch.Add(time.Hour)), "u"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("missing reschedule: %v", err)
	}
	moved, err := svc.RescheduleTask(ctx, tk.ID, task.At(epoch.Add(3*time.Hour)), "u")
	if err != nil {
		t.Fatal(err)
	}
	if !moved.ScheduledAt.Equal(epoch.Add(3 * time.Hour)) {
		t.Fatalf("scheduledAt = %s", moved.ScheduledAt)
	}

	title := "renamed"
	upd, err := svc.UpdateTask(ctx, tk.ID, UpdateInput{Title: &title}, "u")
	if err != nil {
		t.Fatal(err)
	}
	if upd.Title != "renamed" {
		t.Fatalf("title = %s", upd.Title)
	}
	want := []string{task.ActionCreated, task.ActionRescheduled, task.ActionUpdated}
	got := actions(t, svc, tk.ID)
	if len(got) != len(want) {
		t.Fatalf("history = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}
}

func TestEditTerminalTask(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	if err := svc.CancelTask(ctx, tk.ID, "", "u"); err != nil {
		t.Fatal(err)
	}

	title := "renamed"
	if _, err := svc.UpdateTask(ctx, tk.ID, UpdateInput{Title: &title}, "u"); !errors.Is(err, task.ErrNotInExpectedState) {
		t.Fatalf("update cancelled: %v", err)
	}
	if _, err := svc.RescheduleTask(ctx, tk.ID, task.At(epoch.Add(2*time.Hour)), "u"); !errors.Is(err, task.ErrNotInExpectedState) {
		t.Fatalf("reschedule cancelled: %v", err)
	}
}

// failingHistory is a store whose audit log is unavailable.
type failingHistory struct {
	storage.Store
}

func (failingHistory) AppendHistory(context.Context, task.HistoryEntry) error {
	return errors.New("history table locked")
}

func TestHistoryFailureDoesNotFailOperations(t *testing.T) {
	t.Parallel()
	st := failingHistory{storage.NewMemory()}
	t.Cleanup(func() { _ = st.Close() })
	svc := New(Config{WriteRetries: 2, RetryBase: time.Millisecond}, Deps{
		Store: st,
		Dates: dateparse.NewWhenResolver(time.UTC),
		Now:   (&clock{t: epoch}).Now,
	})
	ctx := context.Background()

	tk, err := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := svc.StartTask(ctx, tk.ID, "q"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.CompleteTask(ctx, tk.ID, map[string]any{"ok": true}, "q"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got, _ := svc.GetTask(ctx, tk.ID); got.Status != task.StatusCompleted {
		t.Fatalf("completed task: %+v", got)
	}

	other, err := svc.Schedule(ctx, manual(epoch.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.CancelTask(ctx, other.ID, "no longer needed", "u"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got, _ := svc.GetTask(ctx, other.ID); got.Status != task.StatusCancelled {
		t.Fatalf("cancelled task: %+v", got)
	}
}

// claimOnDelete claims the task just before the conditional delete runs,
// as a competing poller would.
type claimOnDelete struct {
	storage.Store
}

func (s claimOnDelete) DeleteOne(ctx context.Context, f storage.Filter) (int, error) {
	if _, err := s.UpdateOne(ctx, storage.Filter{ID: f.ID}, task.Patch{Status: task.Ptr(task.StatusRunning)}); err != nil {
		return 0, err
	}
	return s.Store.DeleteOne(ctx, f)
}

func TestDeleteLosingToClaimKeepsHistory(t *testing.T) {
	t.Parallel()
	st := claimOnDelete{storage.NewMemory()}
	t.Cleanup(func() { _ = st.Close() })
	svc := New(Config{WriteRetries: 2, RetryBase: time.Millisecond}, Deps{
		Store: st,
		Dates: dateparse.NewWhenResolver(time.UTC),
		Now:   (&clock{t: epoch}).Now,
	})
	ctx := context.Background()
	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))

	if err := svc.DeleteTask(ctx, tk.ID, "u"); !errors.Is(err, task.ErrNotInExpectedState) {
		t.Fatalf("delete: %v", err)
	}
	if got, err := svc.GetTask(ctx, tk.ID); err != nil || got.Status != task.StatusRunning {
		t.Fatalf("task = %+v, %v", got, err)
	}
	if got := actions(t, svc, tk.ID); len(got) == 0 {
		t.Fatal("history purged for a task that was not deleted")
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	tk, _ := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	_, _ = svc.StartTask(ctx, tk.ID, "q")
	if err := svc.DeleteTask(ctx, tk.ID, "u"); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("delete running: %v", err)
	}
	_ = svc.FailTask(ctx, tk.ID, "boom", "q")
	if err := svc.DeleteTask(ctx, tk.ID, "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetTask(ctx, tk.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
	if got := actions(t, svc, tk.ID); len(got) != 0 {
		t.Fatalf("history not purged: %v", got)
	}
}

func TestScheduleRateLimited(t *testing.T) {
	t.Parallel()
	lim := ratelimit.New(ratelimit.Config{Default: ratelimit.Limits{PerMinute: 2}, CleanupProbability: -1})
	svc, _, _ := newTestService(t, lim)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := svc.Schedule(ctx, manual(epoch.Add(time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	_, err := svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	var ee *ratelimit.ExceededError
	if !errors.As(err, &ee) || ee.Tier != ratelimit.TierMinute {
		t.Fatalf("err = %v, want minute tier exceeded", err)
	}
}

func TestReadyAndTriggeredTasks(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t, nil)
	ctx := context.Background()
	a, _ := svc.Schedule(ctx, manual(epoch.Add(time.Minute)))
	b, _ := svc.Schedule(ctx, manual(epoch.Add(2*time.Minute)))
	_, _ = svc.Schedule(ctx, manual(epoch.Add(time.Hour)))
	trig, _ := svc.Schedule(ctx, ScheduleInput{
		Title: "on deploy", OwnerRef: "o", Payload: map[string]any{"keep": 1},
		Trigger: &task.Trigger{Type: task.TriggerEvent, Config: map[string]any{task.TriggerEventNameKey: "deploy"}},
	})
	clk.Advance(5 * time.Minute)

	ready, err := svc.GetTasksReadyForExecution(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != a.ID || ready[1].ID != b.ID {
		t.Fatalf("ready = %+v", ready)
	}

	fired, err := svc.EventTriggeredTasks(ctx, "deploy", map[string]any{"version": "1.2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0].ID != trig.ID || fired[0].Payload["version"] != "1.2" || fired[0].Payload["keep"] != 1 {
		t.Fatalf("fired = %+v", fired)
	}
	if none, _ := svc.EventTriggeredTasks(ctx, "other", nil); len(none) != 0 {
		t.Fatal("unrelated event fired tasks")
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Ready != 2 || stats.Scheduled != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}
