package domain

import "strings"

// Role is ordered: a higher value grants everything a lower one does.
type Role int

const (
	RoleUnknown Role = iota
	RoleCashier
	RoleSeller
	RoleAdmin
)

func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cashier":
		return RoleCashier, true
	case "seller":
		return RoleSeller, true
	case "admin":
		return RoleAdmin, true
	}
	return RoleUnknown, false
}

func (r Role) String() string {
	switch r {
	case RoleCashier:
		return "cashier"
	case RoleSeller:
		return "seller"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

func (r Role) AtLeast(required Role) bool {
	return r != RoleUnknown && r >= required
}
