package app

import (
	"strings"
	"time"

	"agenda/internal/config"
	"agenda/internal/jobs"
	"agenda/internal/notifier"
	"agenda/internal/ratelimit"
	"agenda/internal/storage"
	"agenda/internal/task/engine"
	"agenda/internal/task/recurrence"
	"agenda/internal/task/scheduler"
	"agenda/pkg/logx"
)

// The mappers below turn a validated config.Config into component configs.
// Durations were checked by Validate, so parse errors cannot occur here.

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:       strings.TrimSpace(cfg.Storage.Driver),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:  config.MustDuration(cfg.Storage.BusyTimeout),
		CompactEvery: cfg.Storage.CompactEvery,
	}
}

func queueConfig(cfg *config.Config) engine.Config {
	jt := make(map[string]string, len(cfg.Queue.JobTypes))
	for k, v := range cfg.Queue.JobTypes {
		jt[k] = v
	}
	return engine.Config{
		PollInterval:   config.MustDuration(cfg.Queue.PollInterval),
		BatchSize:      cfg.Queue.BatchSize,
		TaskTimeout:    config.MustDuration(cfg.Queue.TaskTimeout),
		AutoStart:      cfg.Queue.AutoStart,
		JobTypes:       jt,
		DefaultJobType: cfg.Queue.DefaultJobType,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{WriteRetries: cfg.Scheduler.WriteRetries}
}

func recurrenceConfig(cfg *config.Config) recurrence.Config {
	return recurrence.Config{
		MaxOccurrences: cfg.Scheduler.MaxOccurrences,
		Horizon:        config.MustDuration(cfg.Scheduler.Horizon),
	}
}

// location resolves scheduler.timezone; empty means the host zone.
func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	rc := cfg.RateLimit
	if !rc.Enabled {
		return ratelimit.Config{Default: ratelimit.Unlimited, CleanupProbability: -1}
	}
	ops := make(map[string]ratelimit.Limits, len(rc.Operations))
	for op, l := range rc.Operations {
		ops[op] = ratelimit.Limits(l)
	}
	return ratelimit.Config{
		Default:            ratelimit.Limits(rc.Default),
		Operations:         ops,
		CleanupProbability: rc.CleanupProbability,
	}
}

func jobsConfig(cfg *config.Config) jobs.Config {
	j := cfg.Jobs
	return jobs.Config{
		Workers:             j.Workers,
		QueueSize:           j.QueueSize,
		Timeout:             config.MustDuration(j.Timeout),
		RetryMax:            j.RetryMax,
		RetryBase:           config.MustDuration(j.RetryBase),
		RetryMaxDelay:       config.MustDuration(j.RetryMaxDelay),
		HistorySize:         j.HistorySize,
		CircuitTripFailures: j.CircuitTripFailures,
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       config.MustDuration(n.RetryBase),
		RetryMaxDelay:   config.MustDuration(n.RetryMaxDelay),
		DedupWindow:     config.MustDuration(n.DedupWindow),
		DedupMaxEntries: n.DedupMaxEntries,
	}
}

func telegramConfig(cfg *config.Config) notifier.TelegramConfig {
	chats := make(map[string]int64, len(cfg.Telegram.Chats))
	for k, v := range cfg.Telegram.Chats {
		chats[k] = v
	}
	return notifier.TelegramConfig{
		Token:         strings.TrimSpace(cfg.Telegram.Token),
		DefaultChatID: cfg.Telegram.DefaultChatID,
		Chats:         chats,
		ThreadID:      cfg.Telegram.ThreadID,
	}
}
