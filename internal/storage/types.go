package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres" / "pgx": PostgreSQL at DSN
//
// If Driver is empty, "none" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit kinds.
const (
	KindLogin       = "login"
	KindExpired     = "expired"
	KindRotation    = "rotation"
	KindPing        = "ping"
	KindMembership  = "membership"
	KindTaskDropped = "task_dropped"
)

// AuditEntry records one notable engine event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Identity string    `json:"identity,omitempty"`
	Group    string    `json:"group,omitempty"`
	OK       bool      `json:"ok"`
	Count    int       `json:"count,omitempty"`
	Error    string    `json:"error,omitempty"`
	Meta     string    `json:"meta,omitempty"`
}
