package mixer

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	log "github.com/echocat/slf4g"
)

// Listener is the event surface of the Service. Every method is invoked on
// the home context of the Marshaler the Service was created with, never on an
// OS callback thread.
type Listener interface {
	// OnStartFailed is raised when the background start worker hits a fatal
	// OS-layer failure (such as ErrDeviceUnavailable). The service is back in
	// stopped state and Start may be called again.
	OnStartFailed(err error)

	OnSessionCreated(info SessionInfo)
	OnSessionRemoved(pid uint32)
	OnSessionVolumeChanged(pid uint32, volume int, muted bool)
}

// New creates a Service tracking the sessions of the given source. Every
// notification is delivered to listener through marshaler.
func New(source Source, marshaler *Marshaler, listener Listener) *Service {
	return &Service{
		source:    source,
		marshaler: marshaler,
		listener:  listener,
	}
}

// Service tracks the audio sessions of the default render endpoint: it
// discovers existing sessions, follows create/disconnect/volume notifications
// and forwards commands to the affected session. It owns the Registry and a
// reference to its Source; sessions never outlive a Stop.
type Service struct {
	// Filter decides by display name whether a discovered session is tracked.
	// If nil, every process-bound session is tracked. Has to be set before
	// Start.
	Filter func(name string) bool

	source    Source
	marshaler *Marshaler
	listener  Listener

	registry Registry

	mutex    sync.Mutex
	started  bool
	endpoint Endpoint

	// generation invalidates in-flight notifications: it is bumped on Stop,
	// and every dispatched notification re-checks it on the home context
	// before touching the listener. Nothing reaches the listener after Stop
	// returned, even if it was already queued.
	generation atomic.Uint64
}

// Start spawns the background worker that opens the source, enumerates the
// existing sessions and then follows session-created notifications. It
// returns immediately; fatal failures of the worker are surfaced through
// Listener.OnStartFailed. Fails with ErrAlreadyStarted if the service is
// already running.
func (this *Service) Start() error {
	this.mutex.Lock()
	if this.started {
		this.mutex.Unlock()
		return ErrAlreadyStarted
	}
	this.started = true
	gen := this.generation.Load()
	this.mutex.Unlock()

	log.Debug("Starting audio session service...")
	go this.run(gen)
	return nil
}

// Stop unsubscribes from the endpoint, unsubscribes and releases every
// tracked session and clears the registry. Sessions torn down here do not
// emit OnSessionRemoved; an orderly shutdown is distinguishable from an
// OS-observed disconnect. Fails with ErrNotStarted if the service is not
// running.
func (this *Service) Stop() (rErr error) {
	this.mutex.Lock()
	if !this.started {
		this.mutex.Unlock()
		return ErrNotStarted
	}
	this.started = false
	this.generation.Add(1)
	endpoint := this.endpoint
	this.endpoint = nil
	this.mutex.Unlock()

	if endpoint != nil {
		if err := endpoint.Close(); err != nil && rErr == nil {
			rErr = err
		}
	}

	for _, session := range this.registry.Drain() {
		if err := session.Unsubscribe(); err != nil && rErr == nil {
			rErr = err
		}
		if err := session.Close(); err != nil && rErr == nil {
			rErr = err
		}
	}

	log.Debug("Audio session service stopped.")
	return
}

// SetVolume sets the volume of the session owned by pid. Unknown pids are a
// silent no-op; the session might have disconnected a moment ago. Fails with
// ErrVolumeOutOfRange for values outside [0,100] without touching anything.
func (this *Service) SetVolume(pid uint32, volume int) error {
	if volume < 0 || volume > 100 {
		return ErrVolumeOutOfRange
	}

	session := this.registry.Get(pid)
	if session == nil {
		log.With("pid", pid).
			Debug("Ignoring volume command for unknown session.")
		return nil
	}
	return session.SetVolume(volume)
}

// SetMute sets the mute state of the session owned by pid. Unknown pids are a
// silent no-op.
func (this *Service) SetMute(pid uint32, muted bool) error {
	session := this.registry.Get(pid)
	if session == nil {
		log.With("pid", pid).
			Debug("Ignoring mute command for unknown session.")
		return nil
	}
	return session.SetMuted(muted)
}

// Sessions returns a snapshot of all currently tracked sessions, ordered by
// pid. Sessions whose state can no longer be queried are left out.
func (this *Service) Sessions() []SessionInfo {
	sessions := this.registry.Values()
	result := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		volume, err := session.Volume()
		if err != nil {
			continue
		}
		muted, err := session.Muted()
		if err != nil {
			continue
		}
		result = append(result, SessionInfo{
			Pid:    session.Pid(),
			Name:   session.Name(),
			Volume: volume,
			Muted:  muted,
		})
	}
	slices.SortFunc(result, func(a, b SessionInfo) int {
		return cmp.Compare(a.Pid, b.Pid)
	})
	return result
}

func (this *Service) run(gen uint64) {
	endpoint, err := this.source.Open()
	if err != nil {
		log.WithError(err).
			Error("Cannot open default render endpoint.")
		this.abortStart(gen, err)
		return
	}

	this.mutex.Lock()
	if !this.started || gen != this.generation.Load() {
		// Stopped while the endpoint was being opened.
		this.mutex.Unlock()
		_ = endpoint.Close()
		return
	}
	this.endpoint = endpoint
	this.mutex.Unlock()

	// The endpoint installed its created-subscription on Open, before this
	// snapshot. A session racing with startup shows up twice at worst and is
	// de-duplicated by pid in adopt, never lost.
	sessions, err := endpoint.Sessions()
	if err != nil {
		log.WithError(err).
			Error("Cannot enumerate sessions of default render endpoint.")
		this.mutex.Lock()
		if this.endpoint == endpoint {
			this.endpoint = nil
		}
		this.mutex.Unlock()
		_ = endpoint.Close()
		this.abortStart(gen, err)
		return
	}

	for _, session := range sessions {
		this.adopt(session, gen)
	}

	log.With("sessions", this.registry.Len()).
		Info("Audio session service started.")

	for session := range endpoint.Created() {
		this.adopt(session, gen)
	}
}

// adopt filters, subscribes and registers one discovered session. Failures
// only skip the affected session, never the whole start.
func (this *Service) adopt(session Session, gen uint64) {
	pid := session.Pid()
	logger := log.With("pid", pid)

	if this.registry.Get(pid) != nil {
		// Already tracked: the session raced between the created-subscription
		// and the enumeration snapshot. Keep the existing handle.
		logger.Debug("Skipping already tracked session.")
		_ = session.Close()
		return
	}

	if session.IsSystemSounds() || pid == 0 {
		logger.Debug("Skipping system sounds session.")
		_ = session.Close()
		return
	}

	name := session.Name()
	if f := this.Filter; f != nil && !f(name) {
		logger.With("name", name).
			Debug("Skipping filtered session.")
		_ = session.Close()
		return
	}

	volume, err := session.Volume()
	if err != nil {
		logger.WithError(err).
			Warn("Cannot query volume of session. Skipping it.")
		_ = session.Close()
		return
	}
	muted, err := session.Muted()
	if err != nil {
		logger.WithError(err).
			Warn("Cannot query mute state of session. Skipping it.")
		_ = session.Close()
		return
	}

	if err := session.Subscribe(&sessionObserver{this, pid, gen}); err != nil {
		logger.WithError(err).
			Warn("Cannot subscribe to session notifications. Skipping it.")
		_ = session.Close()
		return
	}

	if prior := this.registry.Register(session); prior != nil {
		_ = prior.Unsubscribe()
		_ = prior.Close()
	}

	if gen != this.generation.Load() {
		// Stopped concurrently; the drain might already have run without us.
		if s := this.registry.Unregister(pid); s != nil {
			_ = s.Unsubscribe()
			_ = s.Close()
		}
		return
	}

	logger.With("name", name).
		Debug("Session registered.")

	this.emit(gen, func(l Listener) {
		l.OnSessionCreated(SessionInfo{
			Pid:    pid,
			Name:   name,
			Volume: volume,
			Muted:  muted,
		})
	})
}

func (this *Service) removeSession(pid uint32, gen uint64) {
	session := this.registry.Unregister(pid)
	if session == nil {
		return
	}
	_ = session.Unsubscribe()
	_ = session.Close()

	log.With("pid", pid).
		Debug("Session disconnected.")

	this.emit(gen, func(l Listener) {
		l.OnSessionRemoved(pid)
	})
}

func (this *Service) abortStart(gen uint64, cause error) {
	this.mutex.Lock()
	stillMine := this.started && gen == this.generation.Load()
	if stillMine {
		this.started = false
	}
	this.mutex.Unlock()

	if !stillMine || this.listener == nil {
		return
	}
	listener := this.listener
	this.marshaler.Dispatch(func() {
		listener.OnStartFailed(cause)
	})
}

func (this *Service) emit(gen uint64, fn func(Listener)) {
	listener := this.listener
	if listener == nil {
		return
	}
	this.marshaler.Dispatch(func() {
		if this.generation.Load() != gen {
			return
		}
		fn(listener)
	})
}

// sessionObserver forwards the low-level notifications of one session into
// its owning service. Invoked on OS callback threads.
type sessionObserver struct {
	owner *Service
	pid   uint32
	gen   uint64
}

func (this *sessionObserver) OnVolumeChanged(volume int, muted bool) {
	this.owner.emit(this.gen, func(l Listener) {
		l.OnSessionVolumeChanged(this.pid, volume, muted)
	})
}

func (this *sessionObserver) OnDisconnected() {
	this.owner.removeSession(this.pid, this.gen)
}
