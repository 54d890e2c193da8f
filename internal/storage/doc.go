// Package storage persists task history: one row per failed attempt and
// per terminal outcome, tagged with the id of the process run that wrote it.
//
// Drivers:
//   - "file": append-only JSON Lines, no external dependencies
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL through pgx
package storage
