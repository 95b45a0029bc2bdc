package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "drover/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, tenant_id, action, target, detail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), nullStr(e.TenantID),
		e.Action, nullStr(e.Target), nullStr(e.Detail), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) UpsertRollup(ctx context.Context, r Rollup) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Day == "" || r.TenantID == "" || r.Job == "" {
		return errors.New("rollup requires day, tenant and job")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollups(day, tenant_id, job, runs, successes, failures, skips, adoptions)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(day, tenant_id, job) DO UPDATE SET
		   runs      = runs + excluded.runs,
		   successes = successes + excluded.successes,
		   failures  = failures + excluded.failures,
		   skips     = skips + excluded.skips,
		   adoptions = adoptions + excluded.adoptions`,
		r.Day, r.TenantID, r.Job, r.Runs, r.Successes, r.Failures, r.Skips, r.Adoptions,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneOld(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) TenantRollups(ctx context.Context, tenantID string, days int) ([]Rollup, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT day, tenant_id, job, runs, successes, failures, skips, adoptions
	      FROM rollups WHERE tenant_id = ?`
	args := []any{tenantID}
	if days > 0 {
		q += ` AND day >= ?`
		args = append(args, time.Now().AddDate(0, 0, -days).Format("2006-01-02"))
	}
	q += ` ORDER BY day, job`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rollup
	for rows.Next() {
		var r Rollup
		if err := rows.Scan(&r.Day, &r.TenantID, &r.Job,
			&r.Runs, &r.Successes, &r.Failures, &r.Skips, &r.Adoptions); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneOld(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -rollupRetainDays).Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `DELETE FROM rollups WHERE day < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
