// Package fleet implements C6: a keyed map of live C5 handles over the
// host registry, with resume-before-fresh-deploy policy and one lock
// serializing session-mutating operations per manager.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/chtangwin/nanobot/pkg/audit"
	"github.com/chtangwin/nanobot/pkg/connection"
	"github.com/chtangwin/nanobot/pkg/nberrors"
	"github.com/chtangwin/nanobot/pkg/observability"
	"github.com/chtangwin/nanobot/pkg/rbac"
	"github.com/chtangwin/nanobot/pkg/registry"
	"github.com/chtangwin/nanobot/pkg/resilience"
	"github.com/chtangwin/nanobot/pkg/sshtransport"
)

const livenessPingTimeout = 3 * time.Second

// resumeRateLimit bounds resume/deploy attempts to one every 2s per host,
// burst 2, so a caller retrying Connect/GetOrConnect in a tight loop
// against a host that is down throttles itself instead of opening a new
// SSH tunnel on every call.
const (
	resumeRateLimit = 0.5
	resumeRateBurst = 2
)

// HostStatus is the projection list_hosts returns: registry data plus
// whether a live handle currently exists and its transport state.
type HostStatus struct {
	Name  string
	Host  registry.HostConfig
	Live  bool
	State connection.State
}

// Manager owns the set of live connections for a registry.
type Manager struct {
	mu sync.Mutex // serializes session-mutating ops per manager, not per host

	reg      *registry.Store
	live     map[string]*connection.Connection
	log      *slog.Logger
	audit    *audit.Logger
	guard    *rbac.HostGuard                      // nil, or a disabled guard, means unrestricted
	history  *registry.HistoryStore               // nil disables transition history
	metrics  *observability.FleetMetrics           // nil disables circuit-breaker-trip counting
	breakers map[string]*resilience.CircuitBreaker // per-host resume/deploy breaker, lazily created
	limiters *resilience.RateLimiterRegistry       // per-host resume/deploy attempt throttle
}

func New(reg *registry.Store, log *slog.Logger, auditLog *audit.Logger, guard *rbac.HostGuard) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		reg:      reg,
		live:     make(map[string]*connection.Connection),
		log:      log,
		audit:    auditLog,
		guard:    guard,
		breakers: make(map[string]*resilience.CircuitBreaker),
		limiters: resilience.NewRateLimiterRegistry(resumeRateLimit, resumeRateBurst),
	}
}

// Default builds a Manager from the registry at its default path
// ($NANOBOT_CONFIG_DIR or ~/.nanobot), an unrestricted RBAC guard, and a
// file-backed audit log under the same config directory. It is a
// convenience for the CLI harness only; programmatic callers that need
// history or RBAC should build a Manager with New and WithHistory
// directly.
func Default(log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	path, err := registry.DefaultPath()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(path, log)
	if err != nil {
		return nil, err
	}
	auditLog := audit.NewLogger(audit.NewFileStore(filepath.Join(filepath.Dir(path), "audit")), "cli")
	guard := rbac.NewHostGuard(nil, false)
	return New(reg, log, auditLog, guard), nil
}

// WithHistory attaches a session-history log; every resume/recover/deploy
// transition gets an additional row there, alongside the audit entry.
func (m *Manager) WithHistory(h *registry.HistoryStore) *Manager {
	m.history = h
	return m
}

// WithMetrics attaches the fleet-core metrics suite; every circuit-breaker
// trip on a per-host resume/deploy breaker is counted there.
func (m *Manager) WithMetrics(metrics *observability.FleetMetrics) *Manager {
	m.metrics = metrics
	return m
}

// breakerFor returns (creating if absent) the per-host circuit breaker
// guarding resume/deploy attempts against that host. Three consecutive
// failures opens the circuit for 20s, so a host that is truly down stops
// eating a full SSH-tunnel-plus-handshake timeout on every GetOrConnect
// call from a caller that retries in a loop; one Manager per process, so
// the breaker's state does not survive process restarts (the CLI harness
// rebuilds a Manager per invocation — this mainly benefits longer-lived
// callers that hold one Manager across many operations).
func (m *Manager) breakerFor(host string) *resilience.CircuitBreaker {
	if cb, ok := m.breakers[host]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         host,
		MaxFailures:  3,
		ResetTimeout: 20 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			if to == resilience.CircuitOpen && m.metrics != nil {
				m.metrics.CircuitBreakerTrips.Inc()
			}
		},
	})
	m.breakers[host] = cb
	return cb
}

func (m *Manager) recordHistory(ctx context.Context, host, sessionID, transition, detail string) {
	if m.history == nil {
		return
	}
	if err := m.history.Record(ctx, registry.HistoryEvent{
		Host: host, SessionID: sessionID, Transition: transition, Detail: detail,
	}); err != nil {
		m.log.Warn("failed to record session history", "host", host, "transition", transition, "error", err)
	}
}

// CheckAccess gates a fleet operation behind the configured RBAC guard.
// Callers (the CLI) invoke this before the corresponding Manager method;
// a nil or disabled guard allows everything.
func (m *Manager) CheckAccess(ctx context.Context, userID rbac.UserID, perm rbac.Permission, host string) error {
	if m.guard == nil {
		return nil
	}
	return m.guard.CheckAccess(ctx, userID, perm, host)
}

// Add persists a new host config; it never connects.
func (m *Manager) Add(hc *registry.HostConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reg.Add(hc); err != nil {
		return err
	}
	m.logAudit("host.add", hc.Name, "ok", "")
	return nil
}

// Remove disconnects if live, drops the registry entry, and clears any
// persisted session.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.live[name]; ok {
		_ = c.Teardown(ctx)
		delete(m.live, name)
	}
	if err := m.reg.Remove(name); err != nil {
		return err
	}
	m.logAudit("host.remove", name, "ok", "")
	return nil
}

// Connect is the explicit, user-initiated connect path: liveness-check an
// existing handle, or fully disconnect and resume-or-deploy.
func (m *Manager) Connect(ctx context.Context, name string) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.live[name]; ok {
		if c.State() == connection.StateConnected && livenessCheck(ctx, c) {
			return c, nil
		}
		_ = c.Teardown(ctx)
		delete(m.live, name)
	}

	return m.resumeOrDeployLocked(ctx, name)
}

// livenessCheck pings an already-connected handle, retrying twice with
// backoff before declaring it dead: a ping can transiently fail right
// after a transport recovery even though the session itself is fine, and
// retrying here is cheaper than tearing down and redeploying.
func livenessCheck(ctx context.Context, c *connection.Connection) bool {
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2,
		JitterFrac:   0.2,
	}, func(attempt int) error {
		res, err := c.Call(ctx, "ping", map[string]any{}, livenessPingTimeout)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("ping returned failure")
		}
		return nil
	})
	return err == nil
}

// GetOrConnect is the implicit path: return an existing handle (even if
// its transport is down, relying on its own auto-recovery), or
// resume-or-deploy a fresh one.
func (m *Manager) GetOrConnect(ctx context.Context, name string) (*connection.Connection, error) {
	m.mu.Lock()
	if c, ok := m.live[name]; ok {
		m.mu.Unlock()
		return c, nil
	}
	defer m.mu.Unlock()
	return m.resumeOrDeployLocked(ctx, name)
}

// ResumeOrDeploy is exported for callers (e.g. the CLI) that want the
// policy directly without going through GetOrConnect's cache check.
func (m *Manager) ResumeOrDeploy(ctx context.Context, name string) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeOrDeployLocked(ctx, name)
}

func (m *Manager) resumeOrDeployLocked(ctx context.Context, name string) (*connection.Connection, error) {
	hc := m.reg.Get(name)
	if hc == nil {
		return nil, nberrors.New(nberrors.KindConfiguration, "fleet.resumeOrDeploy", name, fmt.Errorf("unknown host %q", name))
	}
	if err := m.limiters.Get(name).Wait(ctx); err != nil {
		return nil, nberrors.New(nberrors.KindOperation, "fleet.resumeOrDeploy", name, fmt.Errorf("rate limited: %w", err))
	}
	target := sshtransport.Target{SSHHost: hc.SSHHost, SSHPort: hc.SSHPort, SSHKeyPath: hc.SSHKeyPath}
	breaker := m.breakerFor(name)

	if hc.ActiveSession != nil {
		c := connection.New(connection.Params{
			Target:     target,
			Host:       name,
			RemotePort: hc.RemotePort,
			AuthToken:  hc.ActiveSession.AuthToken,
			SessionID:  hc.ActiveSession.SessionID,
			LocalPort:  hc.ActiveSession.LocalPort,
		}, m.log)

		if err := breaker.Execute(func() error { return c.Recover(ctx) }); err == nil {
			m.live[name] = c
			m.logAudit("session.resume", name, "ok", c.SessionID())
			m.recordHistory(ctx, name, c.SessionID(), "resume", "")
			return c, nil
		} else {
			// Keep the persisted session; do not clear it on resume failure.
			m.logAudit("session.recover", name, "failed", err.Error())
			m.recordHistory(ctx, name, hc.ActiveSession.SessionID, "recover", err.Error())
		}
	}

	c := connection.New(connection.Params{
		Target:     target,
		Host:       name,
		RemotePort: hc.RemotePort,
		AuthToken:  hc.AuthToken,
	}, m.log)

	if err := breaker.Execute(func() error { return c.Setup(ctx) }); err != nil {
		m.logAudit("session.deploy", name, "failed", err.Error())
		return nil, err
	}

	if err := m.reg.SetActiveSession(name, &registry.ActiveSession{
		SessionID:  c.SessionID(),
		LocalPort:  c.LocalPort(),
		RemotePort: hc.RemotePort,
		AuthToken:  hc.AuthToken,
	}); err != nil {
		m.log.Warn("failed to persist active session", "host", name, "error", err)
	}

	m.live[name] = c
	m.logAudit("session.deploy", name, "ok", c.SessionID())
	m.recordHistory(ctx, name, c.SessionID(), "deploy", "")
	return c, nil
}

// Disconnect tears down the live handle for name and clears its
// persisted session.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked(ctx, name)
}

func (m *Manager) disconnectLocked(ctx context.Context, name string) error {
	sessionID := ""
	if c, ok := m.live[name]; ok {
		sessionID = c.SessionID()
		_ = c.Teardown(ctx)
		delete(m.live, name)
	}
	if err := m.reg.SetActiveSession(name, nil); err != nil {
		return err
	}
	m.logAudit("session.disconnect", name, "ok", "")
	m.recordHistory(ctx, name, sessionID, "disconnect", "")
	return nil
}

// DisconnectAll tears down every live handle.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.live {
		_ = m.disconnectLocked(ctx, name)
	}
}

// ListHosts projects the registry joined with live-handle status.
func (m *Manager) ListHosts() []HostStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HostStatus, 0)
	for _, hc := range m.reg.List() {
		status := HostStatus{Name: hc.Name, Host: *hc}
		if c, ok := m.live[hc.Name]; ok {
			status.Live = true
			status.State = c.State()
		}
		out = append(out, status)
	}
	return out
}

func (m *Manager) logAudit(action, target, result, detail string) {
	if m.audit == nil {
		return
	}
	m.audit.Log(audit.EventType(action), "", action, target, result, detail)
}

// AuditRPCExec records one rpc.exec call against a live connection. Callers
// (the CLI) invoke this after the RPC returns, whether it succeeded or not;
// a nil audit logger makes this a no-op, matching logAudit.
func (m *Manager) AuditRPCExec(ctx context.Context, host, sessionID, command string, success bool, message string) {
	if m.audit == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	if err := m.audit.LogRPCExec(ctx, host, sessionID, command, &audit.EventResult{Status: status, Error: message}); err != nil {
		m.log.Warn("failed to audit rpc.exec", "host", host, "error", err)
	}
}

// AuditRPCEditFile records one rpc.edit_file call against a live connection.
func (m *Manager) AuditRPCEditFile(ctx context.Context, host, sessionID, path string, success bool, message string) {
	if m.audit == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	if err := m.audit.LogRPCEditFile(ctx, host, sessionID, path, &audit.EventResult{Status: status, Error: message}); err != nil {
		m.log.Warn("failed to audit rpc.edit_file", "host", host, "error", err)
	}
}
