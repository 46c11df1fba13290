package pid

import "errors"

// Sentinel errors for the pid package.
var (
	// ErrInvalidConfig indicates a rejected tuning, limit or period update.
	// The controller state is unchanged when it is returned.
	ErrInvalidConfig = errors.New("pid: invalid config")

	// ErrAutoMode indicates a manual-only operation was attempted in Auto mode.
	ErrAutoMode = errors.New("pid: controller is in auto mode")
)
