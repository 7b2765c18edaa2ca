package users

import "errors"

var (
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrUsernameExists indicates the username is already registered.
	ErrUsernameExists = errors.New("username already exists")
	// ErrUserNotFound indicates no record exists for the username.
	ErrUserNotFound = errors.New("user not found")
	// ErrStorageUnavailable indicates the backing store could not be
	// created or opened. It is fatal at startup.
	ErrStorageUnavailable = errors.New("user storage unavailable")
)
