package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	positive := func(path, raw string) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			add(err)
			return
		}
		if d <= 0 {
			add(fmt.Errorf("%s: must be > 0", path))
		}
	}
	optional := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	optional("storage.busy_timeout", c.Storage.BusyTimeout)

	positive("queue.poll_interval", c.Queue.PollInterval)
	positive("queue.task_timeout", c.Queue.TaskTimeout)
	if c.Queue.BatchSize <= 0 {
		add(errors.New("queue.batch_size: must be > 0"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Scheduler.MaxOccurrences < 0 {
		add(errors.New("scheduler.max_occurrences: must be >= 0"))
	}
	optional("scheduler.horizon", c.Scheduler.Horizon)

	checkLimits := func(path string, l Limits) {
		if l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 {
			add(fmt.Errorf("%s: limits must be >= 0", path))
		}
	}
	checkLimits("rate_limit.default", c.RateLimit.Default)
	for op, l := range c.RateLimit.Operations {
		checkLimits("rate_limit.operations."+op, l)
	}
	if p := c.RateLimit.CleanupProbability; p < 0 || p > 1 {
		add(errors.New("rate_limit.cleanup_probability: must be within [0,1]"))
	}

	if c.Jobs.Workers < 0 || c.Jobs.QueueSize < 0 {
		add(errors.New("jobs: workers and queue_size must be >= 0"))
	}
	optional("jobs.timeout", c.Jobs.Timeout)
	optional("jobs.retry_base", c.Jobs.RetryBase)
	optional("jobs.retry_max_delay", c.Jobs.RetryMaxDelay)

	if c.Notifier.Workers < 0 || c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 {
		add(errors.New("notifier: workers, queue_size and rate_per_sec must be >= 0"))
	}
	optional("notifier.retry_base", c.Notifier.RetryBase)
	optional("notifier.retry_max_delay", c.Notifier.RetryMaxDelay)
	optional("notifier.dedup_window", c.Notifier.DedupWindow)

	return errors.Join(errs...)
}
