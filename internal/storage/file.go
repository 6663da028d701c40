package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"agenda/internal/task"
	"agenda/pkg/logx"
)

// fileStore keeps the working set in memory and makes it durable with
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// The journal is compacted into the snapshot every CompactEvery records and
// on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journalFile  *os.File

	writes       int
	compactEvery int
	needCompact  bool
}

type journalRecord struct {
	Op      string             `json:"op"`
	Task    *task.Task         `json:"task,omitempty"`
	IDs     []string           `json:"ids,omitempty"`
	History *task.HistoryEntry `json:"history,omitempty"`
	TaskID  string             `json:"taskId,omitempty"`
}

const (
	opPut         = "put"
	opDelete      = "del"
	opHistory     = "hist"
	opDelHistory  = "delhist"
	snapshotPerms = 0o600
)

type snapshotFile struct {
	Tasks   []*task.Task                   `json:"tasks"`
	History map[string][]task.HistoryEntry `json:"history"`
	HistSeq int64                          `json:"histSeq"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n, err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	} else if n > 0 {
		log.Debug("journal replayed", logx.Int("records", n))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, snapshotPerms)
	if err != nil {
		return nil, err
	}
	fs := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: cfg.CompactEvery,
	}
	if fs.compactEvery <= 0 {
		fs.compactEvery = 1000
	}
	mem.journal = fs
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.compactLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// append writes one record. Called with s.mu held and before the mutation
// is applied, so compaction of earlier records happens first.
func (s *fileStore) append(r journalRecord) error {
	if s.needCompact {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		s.needCompact = true
	}
	return nil
}

func (s *fileStore) putTask(t *task.Task) error { return s.append(journalRecord{Op: opPut, Task: t}) }
func (s *fileStore) deleteTasks(ids []string) error {
	return s.append(journalRecord{Op: opDelete, IDs: ids})
}
func (s *fileStore) putHistory(e task.HistoryEntry) error {
	return s.append(journalRecord{Op: opHistory, History: &e})
}
func (s *fileStore) deleteHistory(taskID string) error {
	return s.append(journalRecord{Op: opDelHistory, TaskID: taskID})
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{
		Tasks:   make([]*task.Task, 0, len(s.tasks)),
		History: s.history,
		HistSeq: s.histSeq,
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	sortTasks(snap.Tasks, false)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, snapshotPerms)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	s.needCompact = false
	return err
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		if t != nil && t.ID != "" {
			into.tasks[t.ID] = t
		}
	}
	for id, hs := range snap.History {
		into.history[id] = hs
	}
	into.histSeq = snap.HistSeq
	return nil
}

func replayJournal(path string, into *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn trailing write.
			continue
		}
		switch r.Op {
		case opPut:
			if r.Task != nil && r.Task.ID != "" {
				into.tasks[r.Task.ID] = r.Task
			}
		case opDelete:
			for _, id := range r.IDs {
				delete(into.tasks, id)
			}
		case opHistory:
			if r.History != nil {
				into.history[r.History.TaskID] = append(into.history[r.History.TaskID], *r.History)
				into.histSeq = max(into.histSeq, r.History.ID)
			}
		case opDelHistory:
			delete(into.history, r.TaskID)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
