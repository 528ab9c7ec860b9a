package utils

import (
	"errors"
	"fmt"
	"os"
)

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// ResourceError wraps a failure to create, attach or release a named IPC
// resource so that the resource identity and OS error text travel together.
func ResourceError(op, resource string, err error) error {
	return fmt.Errorf("%s %s: %w", op, resource, err)
}

// IsAlreadyGone reports whether err means the resource was removed before
// we got to it. Teardown treats that as success.
func IsAlreadyGone(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
