package utils

import (
	"errors"
	"fmt"
)

// ErrTimeout is matched by every error built with TimeoutError.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: %w", operation, ErrTimeout)
}
