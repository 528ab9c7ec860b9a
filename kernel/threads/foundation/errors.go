package foundation

import "errors"

var (
	// ErrRemoved is returned by every wait on a semaphore set or mailbox
	// that the supervisor has torn down.
	ErrRemoved      = errors.New("ipc resource removed")
	ErrMailboxFull  = errors.New("mailbox full")
	ErrMailboxEmpty = errors.New("mailbox empty")
	ErrCorrupted    = errors.New("corrupted message")
	ErrPayloadSize  = errors.New("payload size mismatch")
)
