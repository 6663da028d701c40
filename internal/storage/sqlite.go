package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agenda/internal/task"
	"agenda/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const busyRetries = 5

// sqliteStore keeps the full task as a JSON document plus the columns the
// filters need.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	ctx := context.Background()
	for _, q := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			log.Debug("pragma failed", logx.String("pragma", q), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func triggerCols(t *task.Task) (string, string) {
	if t.Trigger == nil {
		return "", ""
	}
	return string(t.Trigger.Type), t.Trigger.EventName()
}

func (s *sqliteStore) Insert(ctx context.Context, t *task.Task) (string, error) {
	cp := t.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.IsRecurrenceInstance = false
	cp.OriginalTaskID = ""
	doc, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	tt, te := triggerCols(cp)
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, job_id, owner_ref, project_ref, org_ref, status, type,
				scheduled_at, created_at, trigger_type, trigger_event, failed_at, completed_at, doc)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			cp.ID, cp.JobID, cp.OwnerRef, cp.ProjectRef, cp.OrgRef, string(cp.Status), string(cp.Type),
			cp.ScheduledAt.UnixNano(), cp.CreatedAt.UnixNano(), tt, te,
			nullNanos(cp.FailedAt), nullNanos(cp.CompletedAt), string(doc))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return cp.ID, nil
}

func writeTask(ctx context.Context, ex execer, t *task.Task, prior task.Status) (int64, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	tt, te := triggerCols(t)
	res, err := ex.ExecContext(ctx, `
		UPDATE tasks SET job_id=?, owner_ref=?, project_ref=?, org_ref=?, status=?, type=?,
			scheduled_at=?, trigger_type=?, trigger_event=?, failed_at=?, completed_at=?, doc=?
		WHERE id=? AND status=?`,
		t.JobID, t.OwnerRef, t.ProjectRef, t.OrgRef, string(t.Status), string(t.Type),
		t.ScheduledAt.UnixNano(), tt, te, nullNanos(t.FailedAt), nullNanos(t.CompletedAt), string(doc),
		t.ID, string(prior))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) UpdateOne(ctx context.Context, f Filter, p task.Patch) (int, error) {
	var matched int
	err := retryOnBusy(ctx, busyRetries, func() error {
		matched = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		where, args := f.where()
		var raw string
		err = tx.QueryRowContext(ctx,
			`SELECT doc FROM tasks WHERE `+where+` ORDER BY scheduled_at, id LIMIT 1`, args...).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur task.Task
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		prior := cur.Status
		p.Apply(&cur)

		// Compare-and-swap on the status we just read.
		n, err := writeTask(ctx, tx, &cur, prior)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		matched = 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update task: %w", err)
	}
	return matched, nil
}

func (s *sqliteStore) query(ctx context.Context, f Filter, opt FindOptions) ([]*task.Task, error) {
	where, args := f.where()
	q := `SELECT doc FROM tasks WHERE ` + where + ` ORDER BY scheduled_at, created_at, id`
	if opt.Desc {
		q = `SELECT doc FROM tasks WHERE ` + where + ` ORDER BY scheduled_at DESC, created_at DESC, id DESC`
	}
	if opt.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opt.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*task.Task, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindOne(ctx context.Context, f Filter) (*task.Task, error) {
	ts, err := s.query(ctx, f, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, task.ErrNotFound
	}
	return ts[0], nil
}

func (s *sqliteStore) Find(ctx context.Context, f Filter, opt FindOptions) ([]*task.Task, error) {
	return s.query(ctx, f, opt)
}

func (s *sqliteStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) DeleteOne(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	return s.exec(ctx, `DELETE FROM tasks WHERE id IN (SELECT id FROM tasks WHERE `+where+` ORDER BY scheduled_at, id LIMIT 1)`, args...)
}

func (s *sqliteStore) DeleteMany(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	return s.exec(ctx, `DELETE FROM tasks WHERE `+where, args...)
}

func (s *sqliteStore) exec(ctx context.Context, q string, args ...any) (int, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e task.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var details any
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = string(b)
	}
	_, err := s.exec(ctx,
		`INSERT INTO task_history(task_id, action, at, performed_by, details) VALUES(?,?,?,?,?)`,
		e.TaskID, e.Action, e.Timestamp.UnixNano(), e.PerformedBy, details)
	return err
}

func (s *sqliteStore) History(ctx context.Context, taskID string) ([]task.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, action, at, performed_by, details FROM task_history WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]task.HistoryEntry, 0)
	for rows.Next() {
		var (
			e       task.HistoryEntry
			at      int64
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Action, &at, &e.PerformedBy, &details); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, at)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				s.log.Debug("history details undecodable", logx.Int64("id", e.ID), logx.Err(err))
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteHistory(ctx context.Context, taskID string) (int, error) {
	return s.exec(ctx, `DELETE FROM task_history WHERE task_id = ?`, taskID)
}
