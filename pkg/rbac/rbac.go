// Package rbac provides a small role-based access-control layer for the
// fleet manager: who can view, connect to, execute on, or manage hosts.
// It is an optional gate — a nil *Enforcer means unrestricted access.
//
// Design principles:
//   - Deny by default: no permission = denied
//   - Least privilege: grant only what's needed
//   - Audit everything: every decision is logged
package rbac

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// UserID identifies an authenticated operator.
type UserID string

// RoleName is a named permission set.
type RoleName string

// Permission is a specific action that can be allowed or denied.
type Permission string

// Pre-defined permissions over the fleet manager's surface.
const (
	PermFleetView    Permission = "fleet:view"
	PermFleetConnect Permission = "fleet:connect"
	PermFleetExec    Permission = "fleet:exec"
	PermFleetManage  Permission = "fleet:manage" // add/remove hosts
	PermAdmin        Permission = "admin:*"
)

// Pre-defined roles.
var (
	RoleAdmin = Role{
		Name:        "admin",
		Description: "Full access to all hosts and operations",
		Permissions: []Permission{PermAdmin},
	}
	RoleOperator = Role{
		Name:        "operator",
		Description: "Can connect to and execute on hosts",
		Permissions: []Permission{PermFleetView, PermFleetConnect, PermFleetExec},
	}
	RoleViewer = Role{
		Name:        "viewer",
		Description: "Read-only access to host status",
		Permissions: []Permission{PermFleetView},
	}
)

// Role is a named collection of permissions.
type Role struct {
	Name        RoleName     `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// User represents an authenticated identity with role bindings.
type User struct {
	ID        UserID          `json:"id"`
	Roles     []RoleName      `json:"roles"`
	Scopes    []ResourceScope `json:"scopes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Disabled  bool            `json:"disabled"`
}

// ResourceScope limits a user's permissions to specific hosts.
type ResourceScope struct {
	Hosts []string `json:"hosts,omitempty"` // empty means unrestricted
}

// ------------------------------------------------------------------
// Enforcer
// ------------------------------------------------------------------

// Enforcer evaluates access control decisions.
type Enforcer struct {
	mu    sync.RWMutex
	roles map[RoleName]*Role
	users map[UserID]*User
	audit AuditLogger
}

// AuditLogger records access control decisions.
type AuditLogger interface {
	LogDecision(entry AuditEntry)
}

// AuditEntry records a single access control decision.
type AuditEntry struct {
	Timestamp  time.Time  `json:"timestamp"`
	UserID     UserID     `json:"user_id"`
	Permission Permission `json:"permission"`
	Host       string     `json:"host"`
	Decision   string     `json:"decision"` // "allow", "deny"
	Reason     string     `json:"reason"`
}

// NewEnforcer creates an RBAC enforcer with default roles registered.
func NewEnforcer(audit AuditLogger) *Enforcer {
	e := &Enforcer{
		roles: make(map[RoleName]*Role),
		users: make(map[UserID]*User),
		audit: audit,
	}
	for _, r := range []Role{RoleAdmin, RoleOperator, RoleViewer} {
		r := r
		e.roles[r.Name] = &r
	}
	return e
}

// Check evaluates whether userID has perm on host (host may be "" for
// host-independent checks like fleet:manage during host add).
func (e *Enforcer) Check(ctx context.Context, userID UserID, perm Permission, host string) bool {
	e.mu.RLock()
	user, ok := e.users[userID]
	e.mu.RUnlock()

	if !ok || user.Disabled {
		e.logDeny(userID, perm, host, "user not found or disabled")
		return false
	}

	for _, roleName := range user.Roles {
		e.mu.RLock()
		role, exists := e.roles[roleName]
		e.mu.RUnlock()
		if !exists {
			continue
		}
		for _, p := range role.Permissions {
			if !matchPermission(p, perm) {
				continue
			}
			if !scopeAllows(user.Scopes, host) {
				e.logDeny(userID, perm, host, "host not in scope")
				return false
			}
			e.logAllow(userID, perm, host)
			return true
		}
	}

	e.logDeny(userID, perm, host, "no matching permission")
	return false
}

func scopeAllows(scopes []ResourceScope, host string) bool {
	if len(scopes) == 0 || host == "" {
		return true
	}
	for _, s := range scopes {
		if len(s.Hosts) == 0 {
			return true
		}
		for _, h := range s.Hosts {
			if h == host {
				return true
			}
		}
	}
	return false
}

// RegisterUser adds a user.
func (e *Enforcer) RegisterUser(user *User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	e.users[user.ID] = user
}

// RegisterRole adds or updates a role.
func (e *Enforcer) RegisterRole(role *Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roles[role.Name] = role
}

// matchPermission checks if a granted permission covers the requested
// one. Supports wildcards: "admin:*" matches everything, "fleet:*"
// matches "fleet:view".
func matchPermission(granted, requested Permission) bool {
	if granted == requested || granted == PermAdmin {
		return true
	}
	gParts := strings.Split(string(granted), ":")
	rParts := strings.Split(string(requested), ":")
	for i, gp := range gParts {
		if gp == "*" {
			return true
		}
		if i >= len(rParts) || gp != rParts[i] {
			return false
		}
	}
	return len(gParts) == len(rParts)
}

func (e *Enforcer) logAllow(userID UserID, perm Permission, host string) {
	if e.audit != nil {
		e.audit.LogDecision(AuditEntry{Timestamp: time.Now(), UserID: userID, Permission: perm, Host: host, Decision: "allow"})
	}
}

func (e *Enforcer) logDeny(userID UserID, perm Permission, host, reason string) {
	if e.audit != nil {
		e.audit.LogDecision(AuditEntry{Timestamp: time.Now(), UserID: userID, Permission: perm, Host: host, Decision: "deny", Reason: reason})
	}
}

// ------------------------------------------------------------------
// Default audit logger (in-memory ring buffer)
// ------------------------------------------------------------------

// StructuredAuditLogger keeps audit entries in memory; when full it drops
// the oldest tenth before appending.
type StructuredAuditLogger struct {
	mu      sync.Mutex
	entries []AuditEntry
	maxSize int
}

// NewStructuredAuditLogger creates an in-memory audit logger.
func NewStructuredAuditLogger(maxSize int) *StructuredAuditLogger {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &StructuredAuditLogger{entries: make([]AuditEntry, 0, maxSize), maxSize: maxSize}
}

func (l *StructuredAuditLogger) LogDecision(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxSize {
		drop := l.maxSize / 10
		if drop == 0 {
			drop = 1
		}
		l.entries = l.entries[drop:]
	}
	l.entries = append(l.entries, entry)
}

// Query returns audit entries matching the filter.
func (l *StructuredAuditLogger) Query(opts AuditQueryOptions) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEntry
	for _, e := range l.entries {
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		if opts.Decision != "" && e.Decision != opts.Decision {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if opts.Permission != "" && e.Permission != opts.Permission {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// AuditQueryOptions filters audit log queries.
type AuditQueryOptions struct {
	UserID     UserID
	Permission Permission
	Decision   string // "allow" or "deny"
	Since      time.Time
	Limit      int
}

// String returns a human-readable audit entry.
func (e AuditEntry) String() string {
	return fmt.Sprintf("[%s] user=%s perm=%s host=%s decision=%s reason=%s",
		e.Timestamp.Format(time.RFC3339), e.UserID, e.Permission, e.Host, e.Decision, e.Reason)
}
