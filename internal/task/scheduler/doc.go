// Package scheduler owns the task lifecycle.
//
// It validates and persists new tasks, lists upcoming work (expanding
// recurring tasks into virtual occurrences), and performs every status
// transition as a compare-and-swap against the store:
//
//	scheduled|pending -> running -> completed|failed
//	anything not completed/cancelled -> cancelled
//
// A transition that matches nothing returns task.ErrNotInExpectedState; the
// scheduler takes no in-process locks, so several processes may share one
// store.
package scheduler
