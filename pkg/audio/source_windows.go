//go:build windows

package audio

import (
	"fmt"
	"sync"

	log "github.com/echocat/slf4g"
	"github.com/moutend/go-wca/pkg/wca"

	"github.com/blaubaer/volume-mixer/pkg/mixer"
)

// createdBacklog bounds the session-created channel. OS callback threads are
// never blocked; if the service cannot keep up, the excess session is dropped
// and picked up again once the process raises another notification.
const createdBacklog = 16

type wcaSource struct{}

func (this *wcaSource) Open() (mixer.Endpoint, error) {
	var de *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &de); err != nil {
		return nil, fmt.Errorf("cannot create IMMDeviceEnumerator instance: %w", err)
	}
	defer de.Release()

	var device *wca.IMMDevice
	if err := de.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &device); err != nil {
		return nil, fmt.Errorf("%w: %v", mixer.ErrDeviceUnavailable, err)
	}

	var manager *wca.IAudioSessionManager2
	if err := device.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &manager); err != nil {
		device.Release()
		return nil, fmt.Errorf("cannot get session manager of default render endpoint: %w", err)
	}

	endpoint := &wcaEndpoint{
		device:  device,
		manager: manager,
		created: make(chan mixer.Session, createdBacklog),
	}

	// The created-subscription is installed before anybody can take the
	// Sessions snapshot; a session racing with startup is at worst seen
	// twice and de-duplicated downstream by pid.
	endpoint.notification = newSessionNotification(endpoint)
	if err := registerSessionNotification(manager, endpoint.notification); err != nil {
		manager.Release()
		device.Release()
		return nil, fmt.Errorf("cannot subscribe to session notifications of default render endpoint: %w", err)
	}

	return endpoint, nil
}

type wcaEndpoint struct {
	device       *wca.IMMDevice
	manager      *wca.IAudioSessionManager2
	notification *sessionNotification
	created      chan mixer.Session

	closeMutex sync.RWMutex
	closed     bool
	closeErr   error
}

func (this *wcaEndpoint) Sessions() (result []mixer.Session, _ error) {
	// The read lock pins the COM interfaces for the whole enumeration;
	// Close releases them only after every reader is gone.
	this.closeMutex.RLock()
	defer this.closeMutex.RUnlock()

	if this.closed {
		return nil, fmt.Errorf("default render endpoint is already closed")
	}

	var enumerator *wca.IAudioSessionEnumerator
	if err := this.manager.GetSessionEnumerator(&enumerator); err != nil {
		return nil, fmt.Errorf("cannot get session enumerator of default render endpoint: %w", err)
	}
	defer enumerator.Release()

	var count int
	if err := enumerator.GetCount(&count); err != nil {
		return nil, fmt.Errorf("cannot get count of sessions of default render endpoint: %w", err)
	}

	for i := 0; i < count; i++ {
		var control *wca.IAudioSessionControl
		if err := enumerator.GetSession(i, &control); err != nil {
			log.WithError(err).
				With("session", i).
				Warn("Cannot get session of default render endpoint. Skipping it.")
			continue
		}

		session, ok, err := newWcaSession(control)
		if err != nil {
			// One broken session never aborts the whole snapshot.
			log.WithError(err).
				With("session", i).
				Warn("Cannot inspect session of default render endpoint. Skipping it.")
			continue
		}
		if !ok {
			continue
		}
		result = append(result, session)
	}

	return
}

func (this *wcaEndpoint) Created() <-chan mixer.Session {
	return this.created
}

func (this *wcaEndpoint) Close() error {
	this.closeMutex.Lock()
	if this.closed {
		closeErr := this.closeErr
		this.closeMutex.Unlock()
		return closeErr
	}
	this.closed = true
	close(this.created)
	this.closeMutex.Unlock()

	// The unregister call synchronizes with in-flight callbacks; it must
	// happen outside the lock those callbacks take, or both sides wait on
	// each other forever.
	var closeErr error
	if err := unregisterSessionNotification(this.manager, this.notification); err != nil {
		closeErr = fmt.Errorf("cannot unsubscribe from session notifications of default render endpoint: %w", err)
	}
	this.manager.Release()
	this.device.Release()

	this.closeMutex.Lock()
	this.closeErr = closeErr
	this.closeMutex.Unlock()
	return closeErr
}

// onSessionCreated is invoked by the COM notification callback on an OS
// thread. The control has already been wrapped; hand it over without ever
// blocking the callback thread.
func (this *wcaEndpoint) onSessionCreated(session mixer.Session) {
	this.closeMutex.RLock()
	defer this.closeMutex.RUnlock()

	if this.closed {
		_ = session.Close()
		return
	}

	select {
	case this.created <- session:
	default:
		log.With("pid", session.Pid()).
			Warn("Session-created backlog is full. Dropping notification.")
		_ = session.Close()
	}
}
