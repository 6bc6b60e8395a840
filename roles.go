package auth

import "strings"

// UserRole is the user's role
type UserRole string

const (
	// RoleGuest is an guest role (ie. view)
	RoleGuest UserRole = "guest"
	// RoleMember us a member (i.e. view, edit)
	RoleMember UserRole = "member"
	// RoleAdmin is an admin role (i.e. view, edit, create)
	RoleAdmin UserRole = "admin"
	// RoleOwner is an admin role (i.e. view, edit, create, delete)
	RoleOwner UserRole = "owner"
)

// DefaultRegistrationRole is attached to every new account
const DefaultRegistrationRole = RoleMember

// IsValid checks if the role is one of the predefined valid roles
func (r UserRole) IsValid() bool {
	switch r {
	case RoleGuest, RoleMember, RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// GetAllRoles returns all predefined roles in hierarchical order
func GetAllRoles() []UserRole {
	return []UserRole{
		RoleGuest,
		RoleMember,
		RoleAdmin,
		RoleOwner,
	}
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(strings.ToLower(strings.TrimSpace(roleStr)))
	return role, role.IsValid()
}

// RoleRegistry is the closed set of role names a deployment accepts
type RoleRegistry struct {
	allowed map[UserRole]struct{}
}

// NewRoleRegistry creates a registry, falling back to the predefined roles
// when none are given. Invalid role names are ignored.
func NewRoleRegistry(roles ...UserRole) *RoleRegistry {
	if len(roles) == 0 {
		roles = GetAllRoles()
	}

	r := &RoleRegistry{allowed: make(map[UserRole]struct{}, len(roles))}
	for _, role := range roles {
		if role.IsValid() {
			r.allowed[role] = struct{}{}
		}
	}
	return r
}

// Contains reports whether role is registered
func (r *RoleRegistry) Contains(role UserRole) bool {
	if r == nil {
		return role.IsValid()
	}
	_, ok := r.allowed[role]
	return ok
}

// Filter splits roles into the registered ones and the rejected names,
// keeping order and dropping duplicates.
func (r *RoleRegistry) Filter(roles []UserRole) (valid []UserRole, rejected []string) {
	seen := make(map[UserRole]struct{}, len(roles))
	for _, role := range roles {
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}

		if r.Contains(role) {
			valid = append(valid, role)
			continue
		}
		rejected = append(rejected, string(role))
	}
	return valid, rejected
}

// RoleNames converts roles into plain strings for claims
func RoleNames(roles []UserRole) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return names
}
