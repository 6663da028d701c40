package config

// Config is the agenda process configuration. Durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Jobs      JobsConfig      `json:"jobs"`
	Notifier  NotifierConfig  `json:"notifier"`
	Telegram  TelegramConfig  `json:"telegram"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store.
//
//	"storage": { "driver": "sqlite", "path": "./agenda.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file
}

// QueueConfig controls the executor queue.
//
// JobTypes maps an owner ref to the job type used when the owner has no
// local executor; DefaultJobType covers the rest.
type QueueConfig struct {
	PollInterval   string            `json:"poll_interval"`
	BatchSize      int               `json:"batch_size"`
	TaskTimeout    string            `json:"task_timeout"`
	AutoStart      bool              `json:"auto_start"`
	JobTypes       map[string]string `json:"job_types,omitempty"`
	DefaultJobType string            `json:"default_job_type,omitempty"`
}

type SchedulerConfig struct {
	// Timezone anchors natural-language dates ("tomorrow 9am").
	Timezone       string `json:"timezone,omitempty"`
	WriteRetries   int    `json:"write_retries,omitempty"`
	MaxOccurrences int    `json:"max_occurrences,omitempty"`
	Horizon        string `json:"horizon,omitempty"`
}

type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// RateLimitConfig bounds task operations per subject. A zero limit disables
// that window.
type RateLimitConfig struct {
	Enabled            bool              `json:"enabled"`
	Default            Limits            `json:"default"`
	Operations         map[string]Limits `json:"operations,omitempty"`
	CleanupProbability float64           `json:"cleanup_probability,omitempty"`
}

// JobsConfig controls the in-process job runner.
type JobsConfig struct {
	Workers             int    `json:"workers"`
	QueueSize           int    `json:"queue_size"`
	Timeout             string `json:"timeout,omitempty"`
	RetryMax            int    `json:"retry_max"`
	RetryBase           string `json:"retry_base,omitempty"`
	RetryMaxDelay       string `json:"retry_max_delay,omitempty"`
	HistorySize         int    `json:"history_size,omitempty"`
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// TelegramConfig enables the Telegram sender when Token is set. Chats maps
// owner, project or org refs to chat ids.
type TelegramConfig struct {
	Token         string           `json:"token"`
	DefaultChatID int64            `json:"default_chat_id"`
	Chats         map[string]int64 `json:"chats,omitempty"`
	ThreadID      int              `json:"thread_id,omitempty"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true, File: LoggingFile{Path: "./agenda.log"}},
		Storage: StorageConfig{Driver: "memory"},
		Queue: QueueConfig{
			PollInterval:   "60s",
			BatchSize:      10,
			TaskTimeout:    "300s",
			AutoStart:      true,
			DefaultJobType: "reminder",
		},
		Scheduler: SchedulerConfig{WriteRetries: 3, MaxOccurrences: 500, Horizon: "8760h"},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			Default:            Limits{PerMinute: 10, PerHour: 100, PerDay: 500},
			CleanupProbability: 0.01,
		},
		Jobs: JobsConfig{Workers: 2, QueueSize: 256, Timeout: "5m", RetryMax: 3},
		Notifier: NotifierConfig{
			Enabled:       true,
			Workers:       1,
			QueueSize:     256,
			RatePerSec:    3,
			RetryMax:      2,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			DedupWindow:   "1m",
		},
	}
}
