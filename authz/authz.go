// Package authz maps a user's role to the presentation variant it may see.
package authz

import "github.com/jmcleod/warden/users"

// Variant is the dashboard a client is shown.
type Variant uint8

// Variants are ordered by privilege.
const (
	Viewer Variant = iota
	Editor
	Admin
)

// Select returns the variant for rec. A nil record or an unrecognised role
// gets the least-privileged variant.
func Select(rec *users.Record) Variant {
	if rec == nil {
		return Viewer
	}
	switch rec.Role {
	case users.RoleAdmin:
		return Admin
	case users.RoleEditor:
		return Editor
	case users.RoleViewer, users.RoleUnknown:
		return Viewer
	default:
		return Viewer
	}
}

// AtLeast reports whether v grants at least the privileges of min.
func (v Variant) AtLeast(min Variant) bool {
	return v >= min
}

func (v Variant) String() string {
	switch v {
	case Admin:
		return "admin"
	case Editor:
		return "editor"
	default:
		return "viewer"
	}
}

// MarshalText encodes the variant by name.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// TitleKey is the translation key of the variant's dashboard title.
func (v Variant) TitleKey() string {
	return v.String() + "_dashboard_title"
}

// WelcomeKey is the translation key of the variant's welcome message.
func (v Variant) WelcomeKey() string {
	return v.String() + "_dashboard_welcome"
}
