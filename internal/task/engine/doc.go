// Package engine is the executor queue. It polls the scheduler for due
// tasks, claims each one, and either runs the executor registered for the
// task's owner or dispatches the task to the job system and waits for the
// completion callback.
//
// Claims are compare-and-swap transitions in the store, so any number of
// queues may poll the same store; a task lost to another process is skipped.
package engine
