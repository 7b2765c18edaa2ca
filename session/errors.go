package session

import (
	"errors"

	"github.com/jmcleod/warden/users"
)

var (
	// ErrMissingCredentials indicates a blank username or password at login.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidPassword indicates the password did not match.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrNotAuthenticated indicates an operation needs an authenticated state.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrTokenNotFound indicates an unknown or expired remember-me token.
	ErrTokenNotFound = errors.New("remember token not found")
	// ErrNilState is returned by Login when it has no State to populate.
	ErrNilState = errors.New("nil session state")
)

// Kind is the caller-facing classification of an error, stable enough for
// a presentation layer to localise.
type Kind int

const (
	KindNone Kind = iota
	KindMissingCredentials
	KindValidation
	KindUserNotFound
	KindInvalidPassword
	KindUsernameExists
	KindStorageUnavailable
	KindNotAuthenticated
	KindUnknown
)

// KindOf classifies err. A nil error is KindNone; anything unrecognised is
// KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrMissingCredentials):
		return KindMissingCredentials
	case errors.Is(err, users.ErrValidation):
		return KindValidation
	case errors.Is(err, users.ErrUserNotFound):
		return KindUserNotFound
	case errors.Is(err, ErrInvalidPassword):
		return KindInvalidPassword
	case errors.Is(err, users.ErrUsernameExists):
		return KindUsernameExists
	case errors.Is(err, users.ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMissingCredentials:
		return "missing_credentials"
	case KindValidation:
		return "validation_error"
	case KindUserNotFound:
		return "user_not_found"
	case KindInvalidPassword:
		return "invalid_password"
	case KindUsernameExists:
		return "username_exists"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindNotAuthenticated:
		return "not_authenticated"
	default:
		return "unknown_error"
	}
}

// MessageKey returns the translation key a presentation layer should show
// for k.
func (k Kind) MessageKey() string {
	switch k {
	case KindNone:
		return ""
	case KindMissingCredentials:
		return "missing_credentials"
	case KindValidation:
		return "username_password_required"
	case KindUserNotFound:
		return "user_not_found"
	case KindInvalidPassword:
		return "invalid_password"
	case KindUsernameExists:
		return "username_exists"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindNotAuthenticated:
		return "must_be_logged_in"
	default:
		return "unknown_error"
	}
}
