package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewRunID returns a short identifier used to namespace one simulation run's
// shared resources.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
