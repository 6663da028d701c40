package config

import (
	"reflect"
	"sort"
	"strings"

	"agenda/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log
// fields describing the new values. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// The path may embed credentials for some drivers; only report presence.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.poll_interval", newCfg.Queue.PollInterval),
			logx.Int("queue.batch_size", newCfg.Queue.BatchSize),
			logx.String("queue.task_timeout", newCfg.Queue.TaskTimeout),
			logx.Bool("queue.auto_start", newCfg.Queue.AutoStart),
			logx.Int("queue.job_types", len(newCfg.Queue.JobTypes)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.max_occurrences", newCfg.Scheduler.MaxOccurrences),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Bool("rate_limit.enabled", newCfg.RateLimit.Enabled),
			logx.Int("rate_limit.per_minute", newCfg.RateLimit.Default.PerMinute),
			logx.Int("rate_limit.per_hour", newCfg.RateLimit.Default.PerHour),
			logx.Int("rate_limit.per_day", newCfg.RateLimit.Default.PerDay),
			logx.Int("rate_limit.operations", len(newCfg.RateLimit.Operations)),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.workers", newCfg.Jobs.Workers),
			logx.Int("jobs.queue_size", newCfg.Jobs.QueueSize),
			logx.Int("jobs.retry_max", newCfg.Jobs.RetryMax),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.default_chat_set", newCfg.Telegram.DefaultChatID != 0),
			logx.Int("telegram.chats", len(newCfg.Telegram.Chats)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
