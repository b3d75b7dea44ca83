// Package schedule decides, once per wake cycle, whether a backup task is due.
//
// Evaluate is pure: it never mutates the task. When a decision carries Touch,
// the caller records last_backup_time = now without running a backup.
package schedule
