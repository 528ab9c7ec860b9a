package config

import "errors"

var (
	// ErrInvalid marks every configuration problem. Load joins all of them
	// into one multierror so the operator sees the full list at once.
	ErrInvalid  = errors.New("invalid configuration")
	ErrMissing  = errors.New("missing configuration value")
	ErrSnapshot = errors.New("malformed configuration snapshot")
)
