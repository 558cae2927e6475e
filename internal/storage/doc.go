// Package storage keeps the audit trail of logins, rotations and pings.
//
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: modernc.org/sqlite, no cgo
//   - postgres: pgx connection pool
//
// Sessions themselves are never persisted; they live in memory only.
package storage
