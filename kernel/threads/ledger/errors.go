package ledger

import "errors"

var (
	// ErrRegistryFull is the expected steady-state signal that the ledger is
	// sealed. It is not a failure.
	ErrRegistryFull  = errors.New("registry full")
	ErrNotRegistered = errors.New("process not registered")
	ErrTableFull     = errors.New("actor table full")
	ErrBlockSize     = errors.New("block size mismatch")
	ErrShortBuffer   = errors.New("buffer too short")
)
