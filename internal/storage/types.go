package storage

import (
	"context"
	"errors"
	"time"

	"agenda/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	// CompactEvery is the number of journal records between snapshots
	// (file driver). 0 means 1000.
	CompactEvery int
}

// Filter selects tasks. Zero fields are ignored; set fields are ANDed.
// Time bounds are inclusive.
type Filter struct {
	ID    string
	JobID string

	OwnerRef   string
	ProjectRef string
	OrgRef     string

	Statuses        []task.Status
	ExcludeStatuses []task.Status
	Types           []task.Type
	ExcludeTypes    []task.Type

	ScheduledFrom time.Time
	ScheduledTo   time.Time

	TriggerType  task.TriggerType
	TriggerEvent string

	FailedSince    time.Time
	CompletedSince time.Time
}

// FindOptions control Find. Results are ordered by scheduledAt.
type FindOptions struct {
	Limit int // <=0 means no limit
	Desc  bool
}

// Store is the persistence contract used by the scheduler and the queue.
type Store interface {
	// Insert stores t, assigning an id when t.ID is empty.
	Insert(ctx context.Context, t *task.Task) (string, error)
	// UpdateOne patches the first task matching f. It returns 0 when nothing
	// matched; that is not an error.
	UpdateOne(ctx context.Context, f Filter, p task.Patch) (matched int, err error)
	// FindOne returns the first match, or task.ErrNotFound.
	FindOne(ctx context.Context, f Filter) (*task.Task, error)
	Find(ctx context.Context, f Filter, opt FindOptions) ([]*task.Task, error)
	Count(ctx context.Context, f Filter) (int, error)
	DeleteOne(ctx context.Context, f Filter) (int, error)
	DeleteMany(ctx context.Context, f Filter) (int, error)

	AppendHistory(ctx context.Context, e task.HistoryEntry) error
	// History returns entries for a task, oldest first.
	History(ctx context.Context, taskID string) ([]task.HistoryEntry, error)
	DeleteHistory(ctx context.Context, taskID string) (int, error)

	Close() error
}
