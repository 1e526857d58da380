package access

import (
	stdErrors "errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bridge  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	outside = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func TestNewControllerRequiresAdmin(t *testing.T) {
	if _, err := NewController(common.Address{}); err == nil {
		t.Fatal("expected error without admin")
	}
}

func TestGrantRevokeLifecycle(t *testing.T) {
	ctrl, err := NewController(admin)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	if _, _, err := ctrl.Grant(outside, RoleBridge, bridge); !stdErrors.Is(err, ErrMissingRole) {
		t.Fatalf("non admin grant should fail with missing role, got %v", err)
	}

	change, changed, err := ctrl.Grant(admin, RoleBridge, bridge)
	if err != nil || !changed {
		t.Fatalf("grant failed: changed=%v err=%v", changed, err)
	}
	if !change.Granted || change.Role != RoleBridge || change.Account != bridge {
		t.Fatalf("unexpected change: %+v", change)
	}
	if _, changed, _ := ctrl.Grant(admin, RoleBridge, bridge); changed {
		t.Fatal("second grant should be a no-op")
	}
	if err := ctrl.Require(bridge, RoleExecutor, RoleBridge); err != nil {
		t.Fatalf("require any-of failed: %v", err)
	}

	if _, changed, err := ctrl.Revoke(admin, RoleBridge, bridge); err != nil || !changed {
		t.Fatalf("revoke failed: changed=%v err=%v", changed, err)
	}
	if ctrl.HasRole(RoleBridge, bridge) {
		t.Fatal("bridge role should be gone")
	}
}

func TestLastAdminCannotBeRevoked(t *testing.T) {
	ctrl, _ := NewController(admin)
	if _, _, err := ctrl.Revoke(admin, RoleAdmin, admin); !stdErrors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected last admin error, got %v", err)
	}
	if _, _, err := ctrl.Grant(admin, RoleAdmin, outside); err != nil {
		t.Fatalf("grant second admin: %v", err)
	}
	if _, _, err := ctrl.Revoke(outside, RoleAdmin, admin); err != nil {
		t.Fatalf("second admin should revoke the first: %v", err)
	}
	if got := ctrl.Members(RoleAdmin); len(got) != 1 || got[0] != outside {
		t.Fatalf("unexpected admin set: %v", got)
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" relayer "); err != nil || role != RoleRelayer {
		t.Fatalf("parse relayer: %v %v", role, err)
	}
	if _, err := ParseRole("owner"); err == nil {
		t.Fatal("expected unknown role error")
	}
}
