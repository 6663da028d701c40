package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides applied after the file is decoded.
const (
	EnvPollIntervalMS = "AGENDA_POLL_INTERVAL_MS"
	EnvBatchSize      = "AGENDA_BATCH_SIZE"
	EnvTaskTimeoutMS  = "AGENDA_TASK_TIMEOUT_MS"
	EnvAutoStart      = "AGENDA_AUTO_START"
	EnvStorageDriver  = "AGENDA_STORAGE_DRIVER"
	EnvStoragePath    = "AGENDA_STORAGE_PATH"
	EnvTelegramToken  = "AGENDA_TELEGRAM_TOKEN"
	EnvLogLevel       = "AGENDA_LOG_LEVEL"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment values on cfg. A nil lookup reads the
// process environment.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvPollIntervalMS); ok {
		d, err := millis(EnvPollIntervalMS, v)
		if err != nil {
			return err
		}
		cfg.Queue.PollInterval = d.String()
	}
	if v, ok := get(EnvTaskTimeoutMS); ok {
		d, err := millis(EnvTaskTimeoutMS, v)
		if err != nil {
			return err
		}
		cfg.Queue.TaskTimeout = d.String()
	}
	if v, ok := get(EnvBatchSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBatchSize, err)
		}
		cfg.Queue.BatchSize = n
	}
	if v, ok := get(EnvAutoStart); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAutoStart, err)
		}
		cfg.Queue.AutoStart = b
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStoragePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func millis(key, v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be > 0", key)
	}
	return time.Duration(n) * time.Millisecond, nil
}
