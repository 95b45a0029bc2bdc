package app

import (
	"context"
	"fmt"
	"time"

	"drover/internal/automation"
	"drover/internal/identity"
	"drover/internal/proxy"
	"drover/internal/runtime/supervisor"
	"drover/internal/storage"
	logx "drover/pkg/logx"
)

// Operator surface. Every mutating call lands in the audit log.

func (a *App) audit(action, tenantID, target, detail string, opErr error) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:       time.Now(),
		Action:   action,
		TenantID: tenantID,
		Target:   target,
		Detail:   detail,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}

// StartAutomation launches all enabled jobs for a configured tenant.
func (a *App) StartAutomation(tenantID string) error {
	cfg := a.cfgm.Get()
	tcfg, ok := cfg.Tenants[tenantID]
	if !ok {
		err := fmt.Errorf("tenant %s not configured", tenantID)
		a.audit("automation.start", tenantID, "", "", err)
		return err
	}
	err := a.auto.StartTenant(tenantID, tcfg)
	a.audit("automation.start", tenantID, "", "", err)
	return err
}

// StopAutomation halts all of a tenant's runners.
func (a *App) StopAutomation(tenantID string) error {
	err := a.auto.StopTenant(tenantID)
	a.audit("automation.stop", tenantID, "", "", err)
	return err
}

// StopJob halts a single job type for a tenant.
func (a *App) StopJob(tenantID string, job automation.JobType) error {
	err := a.auto.StopJob(tenantID, job)
	a.audit("automation.stop_job", tenantID, string(job), "", err)
	return err
}

// GetStatus reports one tenant's scheduling state. Read-only.
func (a *App) GetStatus(tenantID string) (automation.TenantStatus, bool) {
	return a.auto.TenantStatus(tenantID)
}

// Status reports every running tenant. Read-only.
func (a *App) Status() []automation.TenantStatus {
	return a.auto.Status()
}

// Runtime exposes supervisor liveness numbers for diagnostics.
func (a *App) Runtime() (supervisor.Counters, []supervisor.TaskInfo) {
	if a.sup == nil {
		return supervisor.Counters{}, nil
	}
	return a.sup.Counters(), a.sup.Snapshot()
}

// AddIdentity registers a credential set for a tenant. Non-pre-warmed
// identities start the warm-up ramp immediately.
func (a *App) AddIdentity(tenantID, credentialRef string, flags identity.UsageFlags) (identity.Identity, error) {
	if tenantID == "" || credentialRef == "" {
		err := fmt.Errorf("tenant and credential ref are required")
		a.audit("identity.add", tenantID, "", "", err)
		return identity.Identity{}, err
	}
	id := a.identities.Add(tenantID, credentialRef, flags)
	a.audit("identity.add", tenantID, id.ID, string(id.Status), nil)
	return id, nil
}

// RemoveIdentity drops an identity from the pool.
func (a *App) RemoveIdentity(id string) error {
	err := a.identities.Remove(id)
	a.audit("identity.remove", "", id, "", err)
	return err
}

// SetIdentityStatus is the manual override: reactivating a Resting or
// Blocked identity is an operator decision, never automatic.
func (a *App) SetIdentityStatus(id string, status identity.Status) error {
	if !status.Valid() {
		err := fmt.Errorf("invalid status %q", status)
		a.audit("identity.set_status", "", id, string(status), err)
		return err
	}
	err := a.identities.SetStatus(id, status)
	a.audit("identity.set_status", "", id, string(status), err)
	return err
}

// StartWarmup puts an identity back on day one of the ramp.
func (a *App) StartWarmup(id string) error {
	err := a.identities.StartWarmup(id)
	a.audit("identity.start_warmup", "", id, "", err)
	return err
}

// Identities lists a tenant's identities, newest state included.
func (a *App) Identities(tenantID string) []identity.Identity {
	return a.identities.ListTenant(tenantID)
}

// AddProxy parses and registers one endpoint, e.g.
// "1.2.3.4:8080" or "socks5://1.2.3.4:1080:user:pass".
func (a *App) AddProxy(raw string) (proxy.Proxy, error) {
	ep, err := proxy.ParseEndpoint(raw)
	if err != nil {
		a.audit("proxy.add", "", "", raw, err)
		return proxy.Proxy{}, err
	}
	px := a.proxies.Add(ep)
	a.audit("proxy.add", "", px.ID, ep.Host, nil)
	return px, nil
}

// ImportProxies bulk-loads newline-separated endpoints. Bad lines are
// reported per line and never abort the rest.
func (a *App) ImportProxies(raw string) proxy.ImportResult {
	res := a.proxies.BulkImport(raw)
	a.audit("proxy.import", "", "",
		fmt.Sprintf("added %d, failed %d", len(res.Added), len(res.Failures)), nil)
	return res
}

// SetProxyActive flips a proxy in or out of rotation.
func (a *App) SetProxyActive(id string, active bool) error {
	err := a.proxies.SetActive(id, active)
	a.audit("proxy.set_active", "", id, fmt.Sprintf("active=%v", active), err)
	return err
}

// Proxies lists the pool.
func (a *App) Proxies() []proxy.Proxy {
	return a.proxies.List()
}

// TestProxy probes one proxy on demand and records the result.
func (a *App) TestProxy(ctx context.Context, id string) (bool, error) {
	ok, err := a.sweeper.TestOne(ctx, id)
	a.audit("proxy.test", "", id, fmt.Sprintf("healthy=%v", ok), err)
	return ok, err
}

// RunHealthSweep probes every active proxy now, outside the cron
// schedule.
func (a *App) RunHealthSweep(ctx context.Context) (proxy.SweepSummary, error) {
	sum, err := a.sweeper.Run(ctx)
	a.audit("proxy.sweep", "", "",
		fmt.Sprintf("checked %d, unhealthy %d", sum.Checked, sum.Unhealthy), err)
	return sum, err
}

// TenantRollups reads persisted daily activity totals.
func (a *App) TenantRollups(ctx context.Context, tenantID string, days int) ([]storage.Rollup, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.TenantRollups(ctx, tenantID, days)
}
