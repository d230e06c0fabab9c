package model

import (
	"errors"
)

var (
	// ErrAlreadyRunning is returned by Supervisor.Start while a run is live.
	ErrAlreadyRunning = errors.New("registration run already in progress")
	// ErrNotRunning is returned by Cancel/Reset misuse.
	ErrNotRunning = errors.New("no registration run in progress")

	// ErrNoPendingAuth is returned when polling without a started device
	// authorization.
	ErrNoPendingAuth = errors.New("no pending device authorization")
	// ErrAuthExpired marks a terminal expired device code.
	ErrAuthExpired = errors.New("device authorization expired")
	// ErrAuthDenied marks a terminal denied device authorization.
	ErrAuthDenied = errors.New("device authorization denied")
)
