package servo

import "errors"

// Sentinel errors for the servo package.
var (
	// ErrAlreadyRunning indicates Run was called while a run is in progress.
	ErrAlreadyRunning = errors.New("servo: loop already running")

	// ErrNilDependency indicates New was given a nil source, tracker or actuator.
	ErrNilDependency = errors.New("servo: nil dependency")
)
