package notifier

import (
	"context"
	"time"
)

// Notifier is the failure channel used by the executor queue.
type Notifier interface {
	Notify(ctx context.Context, scope Scope, msg string) error
}

// Scope says who a message is about. Senders route on it.
type Scope struct {
	OwnerRef   string `json:"ownerRef,omitempty"`
	ProjectRef string `json:"projectRef,omitempty"`
	OrgRef     string `json:"orgRef,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
}

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, scope Scope, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, scope Scope, text string) error

func (f SenderFunc) Send(ctx context.Context, scope Scope, text string) error {
	return f(ctx, scope, text)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Scope, string) error { return nil }

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Scope Scope     `json:"scope"`
	Text  string    `json:"text"`
}

// Event is the Data payload of notifier.* bus events.
type Event struct {
	Scope Scope     `json:"scope"`
	Key   string    `json:"key,omitempty"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
