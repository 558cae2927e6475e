package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	logx "pingcast/pkg/logx"
)

// Store persists the audit trail.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}

type opener func(ctx context.Context, cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":     openFile,
	"sqlite":   openSQLite,
	"sqlite3":  openSQLite,
	"postgres": openPostgres,
	"pgx":      openPostgres,
}

// Disabled reports whether driver turns storage off.
func Disabled(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "disabled":
		return true
	}
	return false
}

// Open connects the configured driver. A disabled driver yields a nil Store
// and a nil error.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if Disabled(cfg.Driver) {
		return nil, nil
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", name, err)
	}
	log.Info("audit store opened", logx.String("driver", name))
	return st, nil
}

// stamp assigns the id and normalizes the timestamp to UTC.
func stamp(e AuditEntry) AuditEntry {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.At = e.At.UTC()
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	return e
}

// optional maps blank strings to SQL NULL.
func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
