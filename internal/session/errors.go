package session

import "errors"

var (
	// ErrInvalidCredentials is terminal for the current login attempt.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrAccountPending is returned when the server has not approved the account yet.
	ErrAccountPending = errors.New("session: account pending approval")
	// ErrSessionExpired means the token could not be refreshed and the user must log in again.
	ErrSessionExpired = errors.New("session: expired")
	// ErrUsernameTaken is returned when registering a username that already exists.
	ErrUsernameTaken = errors.New("session: username already taken")
	// ErrNotAuthenticated is returned when an operation needs a session and none exists.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	errMissingAuth         = errors.New("session: auth service is required")
	errMissingStore        = errors.New("session: session store is required")
	errMissingUsers        = errors.New("session: user directory is required")
	errMissingConnectivity = errors.New("session: connectivity monitor is required")
	errMissingUsername     = errors.New("session: username is required")
	errMissingPassword     = errors.New("session: password is required")
)
