// Package storage keeps the run history: one record per task decision that
// did something (backup attempt, first touch, escalation throttle).
//
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: SQLite database (modernc.org/sqlite, pure Go)
package storage
