package mixer

import "sync"

// Registry is the single source of truth for the currently tracked sessions,
// keyed by the owning process id. All methods are safe for concurrent use.
//
// The mutex only ever guards the map itself. Callers receive the affected
// Session back and do any OS-level work (unsubscribe, release) outside the
// lock, so an OS callback thread reentering synchronously can never deadlock
// against it.
type Registry struct {
	mutex    sync.RWMutex
	sessions map[uint32]Session
}

// Register stores the given session under its pid. If another session was
// already registered for that pid it is replaced and returned; the caller has
// to unsubscribe and release it.
func (this *Registry) Register(session Session) (prior Session) {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	if this.sessions == nil {
		this.sessions = make(map[uint32]Session)
	}

	pid := session.Pid()
	prior = this.sessions[pid]
	this.sessions[pid] = session
	return prior
}

// Unregister removes the session registered under pid and returns it, or nil
// if there is none. Unregistering an absent pid is a no-op, never an error.
func (this *Registry) Unregister(pid uint32) Session {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	session, ok := this.sessions[pid]
	if !ok {
		return nil
	}
	delete(this.sessions, pid)
	return session
}

// Get returns the session registered under pid, or nil.
func (this *Registry) Get(pid uint32) Session {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	return this.sessions[pid]
}

// Values returns a snapshot of all registered sessions.
func (this *Registry) Values() []Session {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	result := make([]Session, 0, len(this.sessions))
	for _, session := range this.sessions {
		result = append(result, session)
	}
	return result
}

// Len returns the number of registered sessions.
func (this *Registry) Len() int {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	return len(this.sessions)
}

// Drain removes and returns all registered sessions at once. Used for batch
// teardown on Stop.
func (this *Registry) Drain() []Session {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	result := make([]Session, 0, len(this.sessions))
	for _, session := range this.sessions {
		result = append(result, session)
	}
	this.sessions = nil
	return result
}
