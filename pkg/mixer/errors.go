package mixer

import "errors"

var (
	// ErrAlreadyStarted is returned by Service.Start if the service is
	// already running.
	ErrAlreadyStarted = errors.New("service already started")

	// ErrNotStarted is returned by Service.Stop if the service is not
	// running.
	ErrNotStarted = errors.New("service not started")

	// ErrVolumeOutOfRange is returned for volume values outside [0,100].
	// Values are rejected, never clamped.
	ErrVolumeOutOfRange = errors.New("volume out of range [0,100]")
)
