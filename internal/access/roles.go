// Package access implements the capability sets that gate every state
// mutation of the ledger components. Each component owns one Controller whose
// admin identities are fixed at construction.
package access

import (
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Intent-Ledger/internal/errors"
)

// Role names a capability grantable to an identity.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleCreator  Role = "CREATOR"
	RoleBridge   Role = "BRIDGE"
	RoleExecutor Role = "EXECUTOR"
	RoleRelayer  Role = "RELAYER"
)

// ParseRole normalises user input into a known role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleAdmin, RoleCreator, RoleBridge, RoleExecutor, RoleRelayer:
		return role, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的角色: "+raw)
	}
}

// Change is reported to the owning component after a grant or revoke so it can
// record it in its journal.
type Change struct {
	Role    Role
	Account common.Address
	Caller  common.Address
	Granted bool
}

// Controller maps identities to capability sets.
type Controller struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
}

// NewController seeds the admin set. At least one non-zero admin is required.
func NewController(admins ...common.Address) (*Controller, error) {
	c := &Controller{members: make(map[Role]map[common.Address]struct{})}
	for _, admin := range admins {
		if admin == (common.Address{}) {
			continue
		}
		c.add(RoleAdmin, admin)
	}
	if len(c.members[RoleAdmin]) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "至少需要一个管理员身份")
	}
	return c, nil
}

// HasRole reports whether account currently holds role.
func (c *Controller) HasRole(role Role, account common.Address) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[role][account]
	return ok
}

// Require fails with ErrMissingRole unless account holds at least one of roles.
func (c *Controller) Require(account common.Address, roles ...Role) error {
	for _, role := range roles {
		if c.HasRole(role, account) {
			return nil
		}
	}
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return xerrors.Derive(ErrMissingRole,
		xerrors.WithMetadata("account", account.Hex()),
		xerrors.WithMetadata("required", strings.Join(names, "|")),
	)
}

// Grant adds role to account. Only admins may call it. Granting an existing
// membership is a no-op and reports changed=false.
func (c *Controller) Grant(caller common.Address, role Role, account common.Address) (Change, bool, error) {
	if err := c.checkAdmin(caller, account); err != nil {
		return Change{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[role][account]; ok {
		return Change{}, false, nil
	}
	c.add(role, account)
	return Change{Role: role, Account: account, Caller: caller, Granted: true}, true, nil
}

// Revoke removes role from account. The last admin cannot be removed.
func (c *Controller) Revoke(caller common.Address, role Role, account common.Address) (Change, bool, error) {
	if err := c.checkAdmin(caller, account); err != nil {
		return Change{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.members[role]
	if !ok {
		return Change{}, false, nil
	}
	if _, ok := set[account]; !ok {
		return Change{}, false, nil
	}
	if role == RoleAdmin && len(set) == 1 {
		return Change{}, false, xerrors.Derive(ErrLastAdmin, xerrors.WithMetadata("account", account.Hex()))
	}
	delete(set, account)
	return Change{Role: role, Account: account, Caller: caller, Granted: false}, true, nil
}

// Members returns the holders of role sorted by address.
func (c *Controller) Members(role Role) []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.members[role]))
	for account := range c.members[role] {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (c *Controller) checkAdmin(caller, account common.Address) error {
	if account == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "授权账户不能为空")
	}
	return c.Require(caller, RoleAdmin)
}

func (c *Controller) add(role Role, account common.Address) {
	set, ok := c.members[role]
	if !ok {
		set = make(map[common.Address]struct{})
		c.members[role] = set
	}
	set[account] = struct{}{}
}
