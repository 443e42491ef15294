// HostGuard wraps an RBAC enforcer to check permissions before fleet
// operations (connect, exec, manage) reach a host.
package rbac

import (
	"context"
	"fmt"
)

// HostGuard gates fleet.Manager operations behind an Enforcer.
type HostGuard struct {
	enforcer *Enforcer
	enabled  bool
}

// NewHostGuard creates a new host guard.
func NewHostGuard(enforcer *Enforcer, enabled bool) *HostGuard {
	return &HostGuard{enforcer: enforcer, enabled: enabled}
}

// CheckAccess returns nil if userID may exercise perm against host, or an
// error describing the denial. With the guard disabled, or no enforcer
// configured, every check passes.
func (g *HostGuard) CheckAccess(ctx context.Context, userID UserID, perm Permission, host string) error {
	if !g.enabled || g.enforcer == nil {
		return nil
	}
	if g.enforcer.Check(ctx, userID, perm, host) {
		return nil
	}
	return fmt.Errorf("access denied: user %s lacks permission %s on host %s", userID, perm, host)
}
