package mixer

import "errors"

// ErrDeviceUnavailable indicates that no default render endpoint exists.
// A start attempt that hits it cannot proceed.
var ErrDeviceUnavailable = errors.New("no default render endpoint available")

// Source resolves the default render endpoint of the OS audio subsystem.
type Source interface {
	// Open resolves the default render endpoint and hands out an Endpoint for
	// it. Fails with ErrDeviceUnavailable (possibly wrapped) if there is none.
	Open() (Endpoint, error)
}

// Endpoint is one opened render endpoint. The session-created subscription is
// installed before Sessions is first able to take its snapshot, so a session
// appearing concurrently with startup is seen on at least one of the two
// paths; the registry de-duplicates by pid.
type Endpoint interface {
	// Sessions enumerates the currently active sessions as a snapshot.
	Sessions() ([]Session, error)

	// Created yields sessions newly created on the endpoint, delivered from
	// OS callback threads. The channel is closed by Close.
	Created() <-chan Session

	// Close unsubscribes from the endpoint and releases it. The Created
	// channel is closed; sessions handed out before remain valid.
	Close() error
}
