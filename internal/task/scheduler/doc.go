// Package scheduler fires durable schedule definitions into the job queue.
//
// Definitions live in storage; the scheduler only reads them. It is
// responsible for:
//   - registering each definition with a cron runner
//   - enqueueing one job per tick (the queue coalesces pending duplicates)
//   - recording per-job-type watermarks and catching up one missed tick at start
//
// Execution is delegated to internal/task/engine.
package scheduler
