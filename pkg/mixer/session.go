package mixer

// Session wraps one OS-level audio session of a single process. Implementations
// live in the platform layer; everything here only talks to this contract.
//
// Volume and mute accessors talk to the OS session directly. Notifications
// raised through the subscribed observer may arrive on arbitrary OS callback
// threads.
type Session interface {
	// Pid is the identifier of the process holding this session. Stable for
	// the lifetime of the session and used as the registry key.
	Pid() uint32

	// Name is the display name of the owning process, resolved once when the
	// session was discovered.
	Name() string

	// IsSystemSounds reports whether this is the system sounds session, which
	// is never tracked.
	IsSystemSounds() bool

	Volume() (int, error)
	SetVolume(v int) error
	Muted() (bool, error)
	SetMuted(muted bool) error

	// Subscribe installs the given observer for volume-changed and
	// disconnected notifications. At most one observer can be installed at a
	// time.
	Subscribe(SessionObserver) error

	// Unsubscribe removes a previously installed observer. Calling it without
	// an installed observer is a no-op.
	Unsubscribe() error

	// Close releases the underlying OS session. The session is unusable
	// afterwards.
	Close() error
}

// SessionObserver receives the low-level notifications of a single Session.
// Both methods can be invoked on arbitrary OS callback threads.
type SessionObserver interface {
	// OnVolumeChanged is raised after the session's volume or mute state
	// changed, carrying the freshly read values.
	OnVolumeChanged(volume int, muted bool)

	// OnDisconnected is raised once when the session ceases to exist.
	OnDisconnected()
}

// SessionInfo is a plain snapshot of one tracked session.
type SessionInfo struct {
	Pid    uint32 `json:"pid"`
	Name   string `json:"name"`
	Volume int    `json:"volume"`
	Muted  bool   `json:"muted"`
}
