package users

import (
	"fmt"
	"strings"
)

// Role is the closed set of authorisation roles a user may hold.
//
// The zero value RoleUnknown never results from Create; it only appears when
// a stored record carries a role this build does not recognise.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleEditor
	RoleViewer
)

// Roles lists every assignable role, most privileged first.
var Roles = []Role{RoleAdmin, RoleEditor, RoleViewer}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "editor":
		return RoleEditor, nil
	case "viewer":
		return RoleViewer, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "Admin"
	case RoleEditor:
		return "Editor"
	case RoleViewer:
		return "Viewer"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the role by name so stored records stay readable.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name. Unrecognised names decode to
// RoleUnknown rather than failing, so a record with a foreign role is still
// readable and is treated as least privileged by callers.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		*r = RoleUnknown
		return nil
	}
	*r = role
	return nil
}
