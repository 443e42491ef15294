package rbac

import (
	"context"
	"testing"
)

func newTestEnforcer() *Enforcer {
	e := NewEnforcer(NewStructuredAuditLogger(100))
	e.RegisterUser(&User{ID: "op-1", Roles: []RoleName{"operator"}})
	e.RegisterUser(&User{ID: "view-1", Roles: []RoleName{"viewer"}})
	return e
}

func TestHostGuard_DisabledAllowsEverything(t *testing.T) {
	guard := NewHostGuard(newTestEnforcer(), false)
	ctx := context.Background()

	if err := guard.CheckAccess(ctx, "view-1", PermFleetManage, "anything"); err != nil {
		t.Errorf("disabled guard should allow everything, got %v", err)
	}
}

func TestHostGuard_NilEnforcerAllowsEverything(t *testing.T) {
	guard := NewHostGuard(nil, true)
	ctx := context.Background()

	if err := guard.CheckAccess(ctx, "view-1", PermFleetManage, "anything"); err != nil {
		t.Errorf("nil-enforcer guard should allow everything, got %v", err)
	}
}

func TestHostGuard_EnabledDelegatesToEnforcer(t *testing.T) {
	guard := NewHostGuard(newTestEnforcer(), true)
	ctx := context.Background()

	if err := guard.CheckAccess(ctx, "op-1", PermFleetExec, "box1"); err != nil {
		t.Errorf("operator should be allowed fleet:exec, got %v", err)
	}
	if err := guard.CheckAccess(ctx, "view-1", PermFleetExec, "box1"); err == nil {
		t.Error("viewer should be denied fleet:exec")
	}
}

func TestHostGuard_DenialErrorNamesPermissionAndHost(t *testing.T) {
	guard := NewHostGuard(newTestEnforcer(), true)
	ctx := context.Background()

	err := guard.CheckAccess(ctx, "view-1", PermFleetManage, "prod-1")
	if err == nil {
		t.Fatal("expected denial error")
	}
	msg := err.Error()
	if !contains(msg, string(PermFleetManage)) || !contains(msg, "prod-1") {
		t.Errorf("denial error %q should name permission and host", msg)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
