package rbac

import "strings"

type Role string
type Action string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

const (
	ActionReadSelf    Action = "read_self"
	ActionSearchUsers Action = "search_users"
	ActionReadUser    Action = "read_user"
	ActionDeleteUser  Action = "delete_user"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionReadSelf || action == ActionSearchUsers
	default:
		return false
	}
}

// Valid reports whether role names a known role. Matching is case-insensitive.
func Valid(role string) bool {
	switch Role(strings.ToUpper(strings.TrimSpace(role))) {
	case RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(strings.ToUpper(strings.TrimSpace(role)))
	}
	return RoleUser
}
