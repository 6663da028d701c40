// Package app assembles the agenda process: config, logging, storage, the
// scheduler, the executor queue and its collaborators.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agenda/internal/config"
	"agenda/internal/dateparse"
	"agenda/internal/eventbus"
	"agenda/internal/jobs"
	"agenda/internal/notifier"
	"agenda/internal/ratelimit"
	"agenda/internal/runtime/supervisor"
	"agenda/internal/storage"
	"agenda/internal/task/engine"
	"agenda/internal/task/recurrence"
	"agenda/internal/task/scheduler"
	"agenda/pkg/logx"
)

// ReminderJobType is the job handled in-process by notifying the owner.
const ReminderJobType = "reminder"

// StopReason is logged when the process shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	lim    *ratelimit.Limiter
	sched  *scheduler.Service
	runner *jobs.Runner
	notif  *notifier.Service
	queue  *engine.Queue
}

// New loads the config at path (empty means defaults plus environment) and
// builds every component without starting any of them.
func New(path string) (*App, error) {
	return NewWithManager(config.NewManager(path))
}

func NewWithManager(cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(logConfig(cfg))
	bus := eventbus.New()

	store, err := storage.Open(storageConfig(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	loc := location(cfg)
	lim := ratelimit.New(limiterConfig(cfg))
	sched := scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Store:      store,
		Recurrence: recurrence.New(recurrenceConfig(cfg)),
		Dates:      dateparse.NewWhenResolver(loc),
		Limiter:    lim,
		Bus:        bus,
		Log:        log,
	})

	notif := notifier.New(notifierConfig(cfg), buildSender(cfg, log),
		log.With(logx.Comp("notifier")), bus)

	runner := jobs.New(jobsConfig(cfg), log.With(logx.Comp("jobs")), bus)
	runner.Handle(ReminderJobType, ReminderHandler(notif))

	queue := engine.New(queueConfig(cfg), engine.Deps{
		Scheduler: sched,
		Jobs:      runner,
		Notifier:  notif,
		Bus:       bus,
		Log:       log.With(logx.Comp("queue")),
	})
	runner.OnComplete(queue.JobCallback())

	return &App{
		cfgm:   cfgm,
		log:    log.With(logx.Comp("app")),
		logs:   logSvc,
		bus:    bus,
		store:  store,
		lim:    lim,
		sched:  sched,
		runner: runner,
		notif:  notif,
		queue:  queue,
	}, nil
}

// buildSender always logs notifications and adds Telegram when a token is
// configured.
func buildSender(cfg *config.Config, log logx.Logger) notifier.Sender {
	logSender := notifier.Log{Logger: log.With(logx.Comp("notify.log"))}
	tc := telegramConfig(cfg)
	if tc.Token == "" {
		return logSender
	}
	tg, err := notifier.NewTelegram(tc)
	if err != nil {
		log.Warn("telegram sender disabled", logx.Err(err))
		return logSender
	}
	return notifier.Multi{tg, logSender}
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Queue() *engine.Queue          { return a.queue }
func (a *App) Jobs() *jobs.Runner            { return a.runner }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Done is closed when the app context ends, by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the notifier, the job runner, the config watcher and, when
// auto_start is set, the executor queue.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.notif.Start(c)
	a.runner.Start(c)
	if cfg.Queue.AutoStart {
		a.queue.Start(c)
	} else {
		a.log.Info("executor queue not started (auto_start=false)")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("storage", cfg.Storage.Driver),
		logx.Bool("queue", cfg.Queue.AutoStart))
	return nil
}

// latest drains ch and returns the newest config seen.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case next, ok := <-ch:
			if !ok || next == nil {
				return cur
			}
			cur = next
		default:
			return cur
		}
	}
}

// applyConfig pushes live-tunable settings into running components. Storage,
// job runner and timezone changes need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received without effective changes")
		return
	}

	a.logs.Apply(logConfig(next))
	a.lim.SetLimits(limiterConfig(next))
	a.queue.Apply(queueConfig(next))

	wasOn := a.notif.Enabled()
	a.notif.Apply(notifierConfig(next))
	switch on := next.Notifier.Enabled; {
	case wasOn && !on:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && on:
		a.notif.Start(ctx)
	}

	switch {
	case next.Queue.AutoStart && !a.queue.Running():
		a.queue.Start(ctx)
	case !next.Queue.AutoStart && a.queue.Running():
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = a.queue.Stop(stopCtx)
		cancel()
	case prev.Queue.PollInterval != next.Queue.PollInterval && a.queue.Running():
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = a.queue.Stop(stopCtx)
		cancel()
		a.queue.Start(ctx)
	}

	var restart []string
	if prev.Storage != next.Storage {
		restart = append(restart, "storage")
	}
	if prev.Jobs != next.Jobs {
		restart = append(restart, "jobs")
	}
	if prev.Scheduler != next.Scheduler {
		restart = append(restart, "scheduler")
	}
	if !sameTelegram(prev.Telegram, next.Telegram) {
		restart = append(restart, "telegram")
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required", logx.Strings("sections", restart))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func sameTelegram(a, b config.TelegramConfig) bool {
	if a.Token != b.Token || a.DefaultChatID != b.DefaultChatID || a.ThreadID != b.ThreadID || len(a.Chats) != len(b.Chats) {
		return false
	}
	for k, v := range a.Chats {
		if w, ok := b.Chats[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Stop shuts components down in dependency order, each step bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Producers stop before consumers: the queue feeds the job runner, and
	// both feed the notifier, which drains before the app context ends.
	a.step(ctx, "queue", 15*time.Second, a.queue.Stop)
	a.step(ctx, "jobs", 5*time.Second, a.runner.Stop)
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, storage.ErrClosed) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}
