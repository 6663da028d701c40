package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agenda/internal/task"
	"agenda/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}
	for _, d := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: d, Path: filepath.Join(dir, d, "agenda.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", d, err)
		}
		out[d] = st
	}
	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, st Store) []string {
	t.Helper()
	ctx := context.Background()
	fixtures := []*task.Task{
		{Title: "b", Type: task.TypeManual, Status: task.StatusScheduled, OwnerRef: "ann", ScheduledAt: t0.Add(2 * time.Hour)},
		{Title: "a", Type: task.TypeManual, Status: task.StatusScheduled, OwnerRef: "ann", ScheduledAt: t0.Add(time.Hour)},
		{Title: "c", Type: task.TypeTrigger, Status: task.StatusScheduled, OwnerRef: "bob", ScheduledAt: t0,
			Trigger: &task.Trigger{Type: task.TriggerEvent, Config: map[string]any{task.TriggerEventNameKey: "deploy"}}},
		{Title: "d", Type: task.TypeManual, Status: task.StatusCompleted, OwnerRef: "ann", ScheduledAt: t0.Add(-time.Hour)},
	}
	var ids []string
	for _, tk := range fixtures {
		id, err := st.Insert(ctx, tk)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if id == "" {
			t.Fatal("insert returned empty id")
		}
		ids = append(ids, id)
	}
	return ids
}

func TestStoreFindFiltersAndOrder(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, st)

			got, err := st.Find(ctx, Filter{OwnerRef: "ann", ExcludeStatuses: []task.Status{task.StatusCompleted}}, FindOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Title != "a" || got[1].Title != "b" {
				t.Fatalf("unexpected result order: %v", titles(got))
			}

			got, _ = st.Find(ctx, Filter{ScheduledFrom: t0, ScheduledTo: t0.Add(time.Hour)}, FindOptions{})
			if len(got) != 2 || got[0].Title != "c" || got[1].Title != "a" {
				t.Fatalf("window should be inclusive: %v", titles(got))
			}

			got, _ = st.Find(ctx, Filter{TriggerType: task.TriggerEvent, TriggerEvent: "deploy"}, FindOptions{})
			if len(got) != 1 || got[0].Title != "c" {
				t.Fatalf("trigger filter: %v", titles(got))
			}

			got, _ = st.Find(ctx, Filter{}, FindOptions{Limit: 2, Desc: true})
			if len(got) != 2 || got[0].Title != "b" {
				t.Fatalf("desc+limit: %v", titles(got))
			}

			n, _ := st.Count(ctx, Filter{ExcludeTypes: []task.Type{task.TypeTrigger}})
			if n != 3 {
				t.Fatalf("count = %d, want 3", n)
			}
		})
	}
}

func TestStoreUpdateOneIsCompareAndSwap(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := seed(t, st)
			id := ids[0]

			claim := Filter{ID: id, Statuses: []task.Status{task.StatusScheduled, task.StatusPending}}
			patch := task.Patch{Status: task.Ptr(task.StatusRunning)}

			var wg sync.WaitGroup
			results := make([]int, 8)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					n, err := st.UpdateOne(ctx, claim, patch)
					if err != nil {
						t.Errorf("update: %v", err)
					}
					results[i] = n
				}(i)
			}
			wg.Wait()
			won := 0
			for _, n := range results {
				won += n
			}
			if won != 1 {
				t.Fatalf("winners = %d, want exactly 1", won)
			}

			got, err := st.FindOne(ctx, Filter{ID: id})
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != task.StatusRunning {
				t.Fatalf("status = %s", got.Status)
			}

			n, err := st.UpdateOne(ctx, Filter{ID: "missing"}, patch)
			if err != nil || n != 0 {
				t.Fatalf("missing update: n=%d err=%v", n, err)
			}
		})
	}
}

func TestStoreFindOneNotFoundAndDelete(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := seed(t, st)
			if _, err := st.FindOne(ctx, Filter{ID: "nope"}); !errors.Is(err, task.ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			n, err := st.DeleteOne(ctx, Filter{ID: ids[1]})
			if err != nil || n != 1 {
				t.Fatalf("delete one: n=%d err=%v", n, err)
			}
			n, err = st.DeleteMany(ctx, Filter{OwnerRef: "ann"})
			if err != nil || n != 2 {
				t.Fatalf("delete many: n=%d err=%v", n, err)
			}
			if c, _ := st.Count(ctx, Filter{}); c != 1 {
				t.Fatalf("remaining = %d, want 1", c)
			}
		})
	}
}

func TestStoreHistory(t *testing.T) {
	t.Parallel()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, a := range []string{task.ActionCreated, task.ActionStarted} {
				if err := st.AppendHistory(ctx, task.HistoryEntry{TaskID: "x", Action: a, Details: map[string]any{"k": "v"}}); err != nil {
					t.Fatal(err)
				}
			}
			hs, err := st.History(ctx, "x")
			if err != nil {
				t.Fatal(err)
			}
			if len(hs) != 2 || hs[0].Action != task.ActionCreated || hs[1].Action != task.ActionStarted {
				t.Fatalf("history = %+v", hs)
			}
			if hs[0].Details["k"] != "v" || hs[0].ID == 0 || hs[0].Timestamp.IsZero() {
				t.Fatalf("entry not populated: %+v", hs[0])
			}
			if n, _ := st.DeleteHistory(ctx, "x"); n != 2 {
				t.Fatalf("deleted = %d", n)
			}
			if hs, _ := st.History(ctx, "x"); len(hs) != 0 {
				t.Fatal("history not deleted")
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")
	st, err := Open(Config{Driver: "file", Path: path, CompactEvery: 2}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ids := seed(t, st)
	if _, err := st.UpdateOne(ctx, Filter{ID: ids[0]}, task.Patch{Title: task.Ptr("renamed")}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.DeleteOne(ctx, Filter{ID: ids[1]}); err != nil {
		t.Fatal(err)
	}
	_ = st.AppendHistory(ctx, task.HistoryEntry{TaskID: ids[0], Action: task.ActionUpdated})

	// Reopen without Close to exercise journal replay as well.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	got, err := st2.FindOne(ctx, Filter{ID: ids[0]})
	if err != nil || got.Title != "renamed" {
		t.Fatalf("reopened task = %+v, err %v", got, err)
	}
	if _, err := st2.FindOne(ctx, Filter{ID: ids[1]}); !errors.Is(err, task.ErrNotFound) {
		t.Fatal("deleted task came back")
	}
	if hs, _ := st2.History(ctx, ids[0]); len(hs) != 1 {
		t.Fatalf("history after reopen = %d", len(hs))
	}
	_ = st.Close()
}

func titles(ts []*task.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Title
	}
	return out
}
