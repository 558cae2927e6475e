package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	logx "pingcast/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pingcast_audit (
	id       TEXT PRIMARY KEY,
	at       TIMESTAMPTZ NOT NULL,
	kind     TEXT NOT NULL,
	identity TEXT,
	grp      TEXT,
	ok       BOOLEAN NOT NULL,
	count    INTEGER NOT NULL DEFAULT 0,
	err      TEXT,
	meta     TEXT
);
CREATE INDEX IF NOT EXISTS pingcast_audit_at ON pingcast_audit(at);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(pctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	e = stamp(e)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pingcast_audit (id, at, kind, identity, grp, ok, count, err, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.At, e.Kind, optional(e.Identity), optional(e.Group), e.OK, e.Count, optional(e.Error), optional(e.Meta))
	return err
}

func (s *postgresStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, at, kind, COALESCE(identity, ''), COALESCE(grp, ''), ok, count, COALESCE(err, ''), COALESCE(meta, '')
		FROM pingcast_audit
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.Identity, &e.Group, &e.OK, &e.Count, &e.Error, &e.Meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
