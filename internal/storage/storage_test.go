package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "drover/pkg/logx"
)

func TestOpenDispatch(t *testing.T) {
	t.Parallel()
	if st, err := Open(Config{}, logx.Logger{}); err != nil || st != nil {
		t.Fatalf("empty driver: st=%v err=%v, want nil/nil", st, err)
	}
	if st, err := Open(Config{Driver: "none"}, logx.Logger{}); err != nil || st != nil {
		t.Fatalf("driver none: st=%v err=%v, want nil/nil", st, err)
	}
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Logger{}); err == nil {
		t.Fatal("unknown driver must error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Logger{}); err == nil {
		t.Fatal("file driver without path must error")
	}
}

func TestFileStoreRollups(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "drover.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Logger{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	day := time.Now().Format("2006-01-02")
	put := func(job string, runs, ok int) {
		t.Helper()
		err := st.UpsertRollup(ctx, Rollup{
			Day: day, TenantID: "acme", Job: job,
			Runs: runs, Successes: ok,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	put("post", 3, 2)
	put("post", 2, 2) // deltas accumulate
	put("collect", 1, 1)
	if err := st.UpsertRollup(ctx, Rollup{Day: day, TenantID: "globex", Job: "post", Runs: 9}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.TenantRollups(ctx, "acme", 7)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rollups = %d, want 2 (other tenants excluded)", len(got))
	}
	// Sorted by day then job: collect before post.
	if got[0].Job != "collect" || got[1].Job != "post" {
		t.Fatalf("order = %s,%s", got[0].Job, got[1].Job)
	}
	if got[1].Runs != 5 || got[1].Successes != 4 {
		t.Fatalf("post totals = %d/%d, want 5/4", got[1].Runs, got[1].Successes)
	}

	if err := st.AppendAudit(ctx, AuditEntry{Action: "identity.add", TenantID: "acme"}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening replays the journal into the same totals.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Logger{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err = st2.TenantRollups(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("query after reopen: %v", err)
	}
	if len(got) != 2 || got[1].Runs != 5 {
		t.Fatalf("reopened rollups = %+v", got)
	}
}

func TestFileStoreRejectsIncompleteRollup(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "drover.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Logger{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.UpsertRollup(context.Background(), Rollup{TenantID: "acme"}); err == nil {
		t.Fatal("rollup without day/job must error")
	}
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "drover.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Logger{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	day := time.Now().Format("2006-01-02")
	r := Rollup{Day: day, TenantID: "acme", Job: "post", Runs: 2, Successes: 1, Adoptions: 3}
	if err := st.UpsertRollup(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.UpsertRollup(ctx, r); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := st.TenantRollups(ctx, "acme", 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Runs != 4 || got[0].Adoptions != 6 {
		t.Fatalf("rollup = %+v, want accumulated 4 runs / 6 adoptions", got)
	}

	if err := st.AppendAudit(ctx, AuditEntry{
		Actor:  "ops",
		Action: "proxy.import",
		Detail: "added 2, failed 1",
	}); err != nil {
		t.Fatalf("audit: %v", err)
	}
}
