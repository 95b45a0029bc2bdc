// Package storage persists the two things worth keeping across
// restarts: an append-only audit log of operator actions and per-tenant
// daily activity rollups.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	TenantID string    `json:"tenant_id,omitempty"`
	Target   string    `json:"target,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
}

// Rollup is one tenant's activity totals for one job on one calendar
// day. Day uses the "2006-01-02" key format. Upserts ADD counts, so a
// flush only ever carries deltas.
type Rollup struct {
	Day      string `json:"day"`
	TenantID string `json:"tenant_id"`
	Job      string `json:"job"`

	Runs      int `json:"runs"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Skips     int `json:"skips"`
	Adoptions int `json:"adoptions"`
}

// Store is the persistence API used by the app layer.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	UpsertRollup(ctx context.Context, r Rollup) error
	TenantRollups(ctx context.Context, tenantID string, days int) ([]Rollup, error)
	Close() error
}
