package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "drover/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl           (append-only JSON Lines)
//   - <prefix>.rollup.snapshot.json  (periodic snapshot)
//   - <prefix>.rollup.journal.jsonl  (append-only delta journal)
//
// The journal is periodically compacted into the snapshot. Rollups
// older than rollupRetainDays are dropped during compaction.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	rollupSnapshotPath string
	rollupJournalFile  *os.File
	rollups            map[string]Rollup // key: day|tenant|job

	rollupWrites int
}

const rollupRetainDays = 90

func rollupKey(day, tenant, job string) string {
	return day + "|" + tenant + "|" + job
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".rollup.snapshot.json"
	journalPath := prefix + ".rollup.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load rollups from snapshot, then replay journal deltas on top.
	rollups := map[string]Rollup{}
	_ = loadRollupSnapshot(snapPath, rollups)
	_ = replayRollupJournal(journalPath, rollups)
	pruneOldRollups(rollups, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:                log,
		auditFile:          af,
		rollupSnapshotPath: snapPath,
		rollupJournalFile:  jf,
		rollups:            rollups,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.rollupJournalFile != nil {
		err2 = s.rollupJournalFile.Close()
		s.rollupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) UpsertRollup(ctx context.Context, r Rollup) error {
	_ = ctx
	if r.Day == "" || r.TenantID == "" || r.Job == "" {
		return errors.New("rollup requires day, tenant and job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollupJournalFile == nil {
		return errors.New("rollup journal closed")
	}
	addRollup(s.rollups, r)

	if err := json.NewEncoder(s.rollupJournalFile).Encode(r); err != nil {
		return err
	}
	s.rollupWrites++
	if s.rollupWrites%256 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("rollup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) TenantRollups(ctx context.Context, tenantID string, days int) ([]Rollup, error) {
	_ = ctx
	var cutoff string
	if days > 0 {
		cutoff = time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	}

	s.mu.Lock()
	var out []Rollup
	for _, r := range s.rollups {
		if r.TenantID != tenantID {
			continue
		}
		if cutoff != "" && r.Day < cutoff {
			continue
		}
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Job < out[j].Job
	})
	return out, nil
}

func (s *fileStore) compactLocked() error {
	pruneOldRollups(s.rollups, time.Now())

	tmp := s.rollupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.rollups); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.rollupSnapshotPath); err != nil {
		return err
	}
	// Journal deltas are folded into the snapshot now.
	if err := s.rollupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.rollupJournalFile.Seek(0, 2)
	return err
}

func addRollup(m map[string]Rollup, r Rollup) {
	k := rollupKey(r.Day, r.TenantID, r.Job)
	cur := m[k]
	cur.Day, cur.TenantID, cur.Job = r.Day, r.TenantID, r.Job
	cur.Runs += r.Runs
	cur.Successes += r.Successes
	cur.Failures += r.Failures
	cur.Skips += r.Skips
	cur.Adoptions += r.Adoptions
	m[k] = cur
}

func loadRollupSnapshot(path string, out map[string]Rollup) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Rollup
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayRollupJournal(path string, out map[string]Rollup) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Rollup
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Day == "" || r.TenantID == "" {
			continue
		}
		addRollup(out, r)
	}
	return sc.Err()
}

func pruneOldRollups(m map[string]Rollup, now time.Time) {
	cutoff := now.AddDate(0, 0, -rollupRetainDays).Format("2006-01-02")
	for k, r := range m {
		if r.Day < cutoff {
			delete(m, k)
		}
	}
}
