package rbac

import (
	"context"
	"testing"
)

func TestEnforcer_AdminAccess(t *testing.T) {
	audit := NewStructuredAuditLogger(1000)
	enforcer := NewEnforcer(audit)

	enforcer.RegisterUser(&User{
		ID:    "admin-1",
		Roles: []RoleName{"admin"},
	})

	ctx := context.Background()
	if !enforcer.Check(ctx, "admin-1", PermFleetExec, "box1") {
		t.Error("admin should have fleet exec permission")
	}
	if !enforcer.Check(ctx, "admin-1", PermFleetManage, "") {
		t.Error("admin should have fleet manage permission")
	}
}

func TestEnforcer_ViewerRestrictions(t *testing.T) {
	audit := NewStructuredAuditLogger(1000)
	enforcer := NewEnforcer(audit)

	enforcer.RegisterUser(&User{
		ID:    "viewer-1",
		Roles: []RoleName{"viewer"},
	})

	ctx := context.Background()
	if !enforcer.Check(ctx, "viewer-1", PermFleetView, "box1") {
		t.Error("viewer should have fleet view permission")
	}
	if enforcer.Check(ctx, "viewer-1", PermFleetExec, "box1") {
		t.Error("viewer should NOT have fleet exec permission")
	}
	if enforcer.Check(ctx, "viewer-1", PermFleetConnect, "box1") {
		t.Error("viewer should NOT have fleet connect permission")
	}
}

func TestEnforcer_UnknownUser(t *testing.T) {
	audit := NewStructuredAuditLogger(1000)
	enforcer := NewEnforcer(audit)

	ctx := context.Background()
	if enforcer.Check(ctx, "nobody", PermFleetView, "box1") {
		t.Error("unknown user should be denied")
	}
}

func TestEnforcer_DisabledUser(t *testing.T) {
	audit := NewStructuredAuditLogger(1000)
	enforcer := NewEnforcer(audit)

	enforcer.RegisterUser(&User{
		ID:       "disabled-1",
		Roles:    []RoleName{"admin"},
		Disabled: true,
	})

	ctx := context.Background()
	if enforcer.Check(ctx, "disabled-1", PermFleetView, "box1") {
		t.Error("disabled user should be denied")
	}
}

func TestEnforcer_ScopeRestriction(t *testing.T) {
	audit := NewStructuredAuditLogger(1000)
	enforcer := NewEnforcer(audit)

	enforcer.RegisterUser(&User{
		ID:    "scoped-1",
		Roles: []RoleName{"operator"},
		Scopes: []ResourceScope{
			{Hosts: []string{"staging"}},
		},
	})

	ctx := context.Background()

	if !enforcer.Check(ctx, "scoped-1", PermFleetExec, "staging") {
		t.Error("should allow in-scope host")
	}
	if enforcer.Check(ctx, "scoped-1", PermFleetExec, "production") {
		t.Error("should deny out-of-scope host")
	}
}

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		granted, requested Permission
		expected           bool
	}{
		{PermAdmin, PermFleetExec, true},          // admin:* matches everything
		{PermFleetView, PermFleetView, true},      // exact match
		{PermFleetView, PermFleetExec, false},     // different action
		{PermFleetConnect, PermFleetExec, false},  // different action
		{"fleet:*", PermFleetExec, true},          // resource wildcard
		{"fleet:*", PermAdmin, false},              // different resource
	}

	for _, tt := range tests {
		t.Run(string(tt.granted)+"→"+string(tt.requested), func(t *testing.T) {
			got := matchPermission(tt.granted, tt.requested)
			if got != tt.expected {
				t.Errorf("matchPermission(%s, %s) = %v, want %v", tt.granted, tt.requested, got, tt.expected)
			}
		})
	}
}

func TestAuditLogger_Query(t *testing.T) {
	audit := NewStructuredAuditLogger(1000)
	enforcer := NewEnforcer(audit)

	enforcer.RegisterUser(&User{ID: "user-1", Roles: []RoleName{"viewer"}})

	ctx := context.Background()
	enforcer.Check(ctx, "user-1", PermFleetView, "box1") // allow
	enforcer.Check(ctx, "user-1", PermFleetExec, "box1") // deny

	entries := audit.Query(AuditQueryOptions{UserID: "user-1"})
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}

	allows := audit.Query(AuditQueryOptions{UserID: "user-1", Decision: "allow"})
	if len(allows) != 1 {
		t.Errorf("expected 1 allow entry, got %d", len(allows))
	}

	denies := audit.Query(AuditQueryOptions{UserID: "user-1", Decision: "deny"})
	if len(denies) != 1 {
		t.Errorf("expected 1 deny entry, got %d", len(denies))
	}
}
