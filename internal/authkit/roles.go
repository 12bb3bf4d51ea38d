package authkit

import (
	"fmt"
	"strings"
)

// Role is one of the closed set of platform roles.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStaff   Role = "staff"
	RoleRefugee Role = "refugee"
	RoleVendor  Role = "vendor"
	RoleUser    Role = "user"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin:   {},
	RoleStaff:   {},
	RoleRefugee: {},
	RoleVendor:  {},
	RoleUser:    {},
}

// selfAssignableRoles may be chosen at registration time.
var selfAssignableRoles = map[Role]struct{}{
	RoleUser:    {},
	RoleRefugee: {},
	RoleVendor:  {},
}

// ParseRole normalises and validates a role name.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownRoles[role]; !ok {
		return "", fmt.Errorf("roles.parse: unknown role %q", value)
	}
	return role, nil
}

// IsValidRole reports whether value names a platform role.
func IsValidRole(value string) bool {
	_, err := ParseRole(value)
	return err == nil
}

// IsSelfAssignable reports whether the role may be picked by an unauthenticated registrant.
func (role Role) IsSelfAssignable() bool {
	_, ok := selfAssignableRoles[role]
	return ok
}
