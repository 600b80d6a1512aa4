// Package history keeps a local record of cover transitions and robot
// connection events in SQLite.
//
// Writes arrive from cover and connection callbacks, which must not block,
// so Recorder queues them and a single goroutine persists them. Entries
// older than the retention period are pruned periodically.
package history
