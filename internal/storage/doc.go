// Package storage persists tasks and their audit history.
//
// Drivers:
//   - "memory": process-local maps, for tests and throwaway runs
//   - "file": memory plus a JSON Lines journal and periodic snapshot
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// Every driver implements UpdateOne as an atomic compare-and-swap: the
// filter (usually id plus the expected prior statuses) and the patch are
// applied as one step, and the matched count tells the caller whether it
// won.
package storage
