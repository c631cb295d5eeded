// Package storage persists queued task records and the event journal.
//
// Drivers:
//   - memory: process-local (default)
//   - file: JSON Lines journal with periodic snapshot compaction
//   - sqlite: modernc.org/sqlite database file
//   - postgres: PostgreSQL via pgxpool
package storage
