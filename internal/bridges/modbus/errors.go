package modbus

import "errors"

// Domain errors for the bus package.
var (
	// ErrNoReading is the uniform "temporarily unavailable" outcome for
	// a failed register read, regardless of cause. Callers skip the
	// cycle; it never escalates.
	ErrNoReading = errors.New("modbus: no reading")

	// ErrWriteFailed is returned when a coil write transaction fails.
	ErrWriteFailed = errors.New("modbus: coil write failed")
)
