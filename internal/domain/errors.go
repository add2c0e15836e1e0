package domain

import "errors"

var (
	ErrMissingFields      = errors.New("missing required fields")
	ErrConfig             = errors.New("invalid provider configuration")
	ErrNotConnected       = errors.New("instance not connected")
	ErrRemoteRejected     = errors.New("remote rejected the request")
	ErrNetwork            = errors.New("network error")
	ErrTimeout            = errors.New("timeout")
	ErrAlreadyExists      = errors.New("instance already exists")
	ErrNotFound           = errors.New("not found")
	ErrCorruptCredentials = errors.New("stored credentials are unreadable")
	ErrInvalidState       = errors.New("invalid state for this operation")
)
