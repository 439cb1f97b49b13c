package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrInvalidStatus = errors.New("invalid task status")
	ErrInvalidState  = errors.New("invalid proposal state")
	ErrInvalidFlag   = errors.New("flag_name is required")
)
