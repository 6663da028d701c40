package storage

import (
	"context"
	"sync"
	"time"

	"agenda/internal/task"

	"github.com/google/uuid"
)

// journal receives every mutation, under the store lock, before it is
// applied in memory. A journal error aborts the mutation.
type journal interface {
	putTask(t *task.Task) error
	deleteTasks(ids []string) error
	putHistory(e task.HistoryEntry) error
	deleteHistory(taskID string) error
}

type memStore struct {
	mu      sync.RWMutex
	closed  bool
	tasks   map[string]*task.Task
	history map[string][]task.HistoryEntry
	histSeq int64

	journal journal
}

// NewMemory returns an empty process-local store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		tasks:   map[string]*task.Task{},
		history: map[string][]task.HistoryEntry{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) Insert(ctx context.Context, t *task.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cp := t.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.IsRecurrenceInstance = false
	cp.OriginalTaskID = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if _, dup := s.tasks[cp.ID]; dup {
		return "", task.Validationf("task %s already exists", cp.ID)
	}
	if s.journal != nil {
		if err := s.journal.putTask(cp); err != nil {
			return "", err
		}
	}
	s.tasks[cp.ID] = cp
	return cp.ID, nil
}

// firstLocked returns the first task matching f in scheduledAt order.
func (s *memStore) firstLocked(f Filter) *task.Task {
	if f.ID != "" {
		t := s.tasks[f.ID]
		if f.Match(t) {
			return t
		}
		return nil
	}
	var best *task.Task
	for _, t := range s.tasks {
		if !f.Match(t) {
			continue
		}
		if best == nil || t.ScheduledAt.Before(best.ScheduledAt) ||
			(t.ScheduledAt.Equal(best.ScheduledAt) && t.ID < best.ID) {
			best = t
		}
	}
	return best
}

func (s *memStore) UpdateOne(ctx context.Context, f Filter, p task.Patch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	cur := s.firstLocked(f)
	if cur == nil {
		return 0, nil
	}
	next := cur.Clone()
	p.Apply(next)
	if s.journal != nil {
		if err := s.journal.putTask(next); err != nil {
			return 0, err
		}
	}
	s.tasks[next.ID] = next
	return 1, nil
}

func (s *memStore) FindOne(ctx context.Context, f Filter) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	t := s.firstLocked(f)
	if t == nil {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) Find(ctx context.Context, f Filter, opt FindOptions) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	out := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortTasks(out, opt.Desc)
	if opt.Limit > 0 && len(out) > opt.Limit {
		out = out[:opt.Limit]
	}
	return out, nil
}

func (s *memStore) Count(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, t := range s.tasks {
		if f.Match(t) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteOne(ctx context.Context, f Filter) (int, error) {
	return s.delete(ctx, f, 1)
}

func (s *memStore) DeleteMany(ctx context.Context, f Filter) (int, error) {
	return s.delete(ctx, f, 0)
}

func (s *memStore) delete(ctx context.Context, f Filter, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var ids []string
	if limit == 1 {
		if t := s.firstLocked(f); t != nil {
			ids = append(ids, t.ID)
		}
	} else {
		for id, t := range s.tasks {
			if f.Match(t) {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if s.journal != nil {
		if err := s.journal.deleteTasks(ids); err != nil {
			return 0, err
		}
	}
	for _, id := range ids {
		delete(s.tasks, id)
	}
	return len(ids), nil
}

func (s *memStore) AppendHistory(ctx context.Context, e task.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.ID == 0 {
		e.ID = s.histSeq + 1
	}
	if s.journal != nil {
		if err := s.journal.putHistory(e); err != nil {
			return err
		}
	}
	s.histSeq = max(s.histSeq, e.ID)
	s.history[e.TaskID] = append(s.history[e.TaskID], e)
	return nil
}

func (s *memStore) History(ctx context.Context, taskID string) ([]task.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	src := s.history[taskID]
	out := make([]task.HistoryEntry, len(src))
	copy(out, src)
	return out, nil
}

func (s *memStore) DeleteHistory(ctx context.Context, taskID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := len(s.history[taskID])
	if n == 0 {
		return 0, nil
	}
	if s.journal != nil {
		if err := s.journal.deleteHistory(taskID); err != nil {
			return 0, err
		}
	}
	delete(s.history, taskID)
	return n, nil
}
