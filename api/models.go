package api

import (
	"time"

	"github.com/jmcleod/warden/authz"
	"github.com/jmcleod/warden/users"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string `json:"error"`
	MessageKey string `json:"message_key,omitempty"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// UserResponse describes the authenticated user. It never includes the
// password hash.
type UserResponse struct {
	Username       string        `json:"username"`
	Role           users.Role    `json:"role"`
	Variant        authz.Variant `json:"variant"`
	PreferredLang  string        `json:"preferred_lang"`
	PreferredTheme string        `json:"preferred_theme"`
	CreatedAt      time.Time     `json:"created_at"`
}

func newUserResponse(rec *users.Record) UserResponse {
	return UserResponse{
		Username:       rec.Username,
		Role:           rec.Role,
		Variant:        authz.Select(rec),
		PreferredLang:  rec.PreferredLang,
		PreferredTheme: rec.PreferredTheme,
		CreatedAt:      rec.CreatedAt,
	}
}

// PreferencesRequest is the body for PUT /me/preferences.
type PreferencesRequest struct {
	Lang  string `json:"lang"`
	Theme string `json:"theme"`
}

// DashboardResponse tells the client which dashboard to render.
type DashboardResponse struct {
	Username   string        `json:"username"`
	Variant    authz.Variant `json:"variant"`
	TitleKey   string        `json:"title_key"`
	WelcomeKey string        `json:"welcome_key"`
}

// CreateUserRequest is the body for POST /users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// CreateUserResponse confirms a new account.
type CreateUserResponse struct {
	Username string     `json:"username"`
	Role     users.Role `json:"role"`
}
