//go:build windows

package audio

import (
	"sync/atomic"
	"syscall"
	"unsafe"

	log "github.com/echocat/slf4g"
	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"golang.org/x/sys/windows"
)

// go-wca does not export IAudioSessionEvents and IAudioSessionNotification;
// the raw vtables for both directions live here, built the same way go-wca
// builds its IMMNotificationClient.

var (
	iidIAudioSessionEvents       = ole.NewGUID("{24918ACC-64B3-37C1-8CA9-74A66E9957A8}")
	iidIAudioSessionNotification = ole.NewGUID("{641DD20B-4D41-49CC-ABA3-174B9477BB08}")
)

const hrENoInterface = uintptr(0x80004002)

// --- Outbound calls not covered by go-wca ---------------------------------

type iAudioSessionControlVtbl struct {
	queryInterface                     uintptr
	addRef                             uintptr
	release                            uintptr
	getState                           uintptr
	getDisplayName                     uintptr
	setDisplayName                     uintptr
	getIconPath                        uintptr
	setIconPath                        uintptr
	getGroupingParam                   uintptr
	setGroupingParam                   uintptr
	registerAudioSessionNotification   uintptr
	unregisterAudioSessionNotification uintptr
}

func sessionControlVtblOf(control *wca.IAudioSessionControl) *iAudioSessionControlVtbl {
	return (*iAudioSessionControlVtbl)(unsafe.Pointer(control.RawVTable))
}

func sessionDisplayName(control *wca.IAudioSessionControl) (string, error) {
	var ptr *uint16
	hr, _, _ := syscall.SyscallN(
		sessionControlVtblOf(control).getDisplayName,
		uintptr(unsafe.Pointer(control)),
		uintptr(unsafe.Pointer(&ptr)),
	)
	if hr != 0 {
		return "", ole.NewError(hr)
	}
	if ptr == nil {
		return "", nil
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(ptr)))
	return windows.UTF16PtrToString(ptr), nil
}

func registerSessionEvents(control *wca.IAudioSessionControl, events *sessionEvents) error {
	hr, _, _ := syscall.SyscallN(
		sessionControlVtblOf(control).registerAudioSessionNotification,
		uintptr(unsafe.Pointer(control)),
		uintptr(unsafe.Pointer(events)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

func unregisterSessionEvents(control *wca.IAudioSessionControl, events *sessionEvents) error {
	hr, _, _ := syscall.SyscallN(
		sessionControlVtblOf(control).unregisterAudioSessionNotification,
		uintptr(unsafe.Pointer(control)),
		uintptr(unsafe.Pointer(events)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

type iAudioSessionManager2Vtbl struct {
	queryInterface                      uintptr
	addRef                              uintptr
	release                             uintptr
	getAudioSessionControl              uintptr
	getSimpleAudioVolume                uintptr
	getSessionEnumerator                uintptr
	registerSessionNotification         uintptr
	unregisterSessionNotification       uintptr
	registerDuplexSessionNotification   uintptr
	unregisterDuplexSessionNotification uintptr
}

func sessionManagerVtblOf(manager *wca.IAudioSessionManager2) *iAudioSessionManager2Vtbl {
	return (*iAudioSessionManager2Vtbl)(unsafe.Pointer(manager.RawVTable))
}

func registerSessionNotification(manager *wca.IAudioSessionManager2, notification *sessionNotification) error {
	hr, _, _ := syscall.SyscallN(
		sessionManagerVtblOf(manager).registerSessionNotification,
		uintptr(unsafe.Pointer(manager)),
		uintptr(unsafe.Pointer(notification)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

func unregisterSessionNotification(manager *wca.IAudioSessionManager2, notification *sessionNotification) error {
	hr, _, _ := syscall.SyscallN(
		sessionManagerVtblOf(manager).unregisterSessionNotification,
		uintptr(unsafe.Pointer(manager)),
		uintptr(unsafe.Pointer(notification)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

// --- IAudioSessionEvents implementation -----------------------------------

type sessionEvents struct {
	vtbl  *sessionEventsVtbl
	refs  int32
	owner *wcaSession
}

type sessionEventsVtbl struct {
	queryInterface         uintptr
	addRef                 uintptr
	release                uintptr
	onDisplayNameChanged   uintptr
	onIconPathChanged      uintptr
	onSimpleVolumeChanged  uintptr
	onChannelVolumeChanged uintptr
	onGroupingParamChanged uintptr
	onStateChanged         uintptr
	onSessionDisconnected  uintptr
}

var sessionEventsVtblInstance = &sessionEventsVtbl{
	queryInterface:         syscall.NewCallback(sessionEventsQueryInterface),
	addRef:                 syscall.NewCallback(sessionEventsAddRef),
	release:                syscall.NewCallback(sessionEventsRelease),
	onDisplayNameChanged:   syscall.NewCallback(sessionEventsNoop3),
	onIconPathChanged:      syscall.NewCallback(sessionEventsNoop3),
	onSimpleVolumeChanged:  syscall.NewCallback(sessionEventsOnSimpleVolumeChanged),
	onChannelVolumeChanged: syscall.NewCallback(sessionEventsOnChannelVolumeChanged),
	onGroupingParamChanged: syscall.NewCallback(sessionEventsNoop3),
	onStateChanged:         syscall.NewCallback(sessionEventsOnStateChanged),
	onSessionDisconnected:  syscall.NewCallback(sessionEventsOnSessionDisconnected),
}

func newSessionEvents(owner *wcaSession) *sessionEvents {
	return &sessionEvents{
		vtbl:  sessionEventsVtblInstance,
		refs:  1,
		owner: owner,
	}
}

func sessionEventsQueryInterface(this uintptr, riid *ole.GUID, object *uintptr) uintptr {
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, iidIAudioSessionEvents) {
		*object = this
		sessionEventsAddRef(this)
		return 0
	}
	*object = 0
	return hrENoInterface
}

func sessionEventsAddRef(this uintptr) uintptr {
	events := (*sessionEvents)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&events.refs, 1))
}

func sessionEventsRelease(this uintptr) uintptr {
	events := (*sessionEvents)(unsafe.Pointer(this))
	// Lifetime is owned by the Go side; never freed from here.
	return uintptr(atomic.AddInt32(&events.refs, -1))
}

func sessionEventsNoop3(this, a, b uintptr) uintptr {
	return 0
}

// The newVolume argument arrives as float32 in an XMM register which
// syscall.NewCallback cannot receive; both values are re-read from the
// session instead of being taken from here.
func sessionEventsOnSimpleVolumeChanged(this, newVolume, newMute, eventContext uintptr) uintptr {
	events := (*sessionEvents)(unsafe.Pointer(this))
	events.owner.onVolumeChanged()
	return 0
}

func sessionEventsOnChannelVolumeChanged(this, channelCount, newChannelVolumes, changedChannel, eventContext uintptr) uintptr {
	events := (*sessionEvents)(unsafe.Pointer(this))
	events.owner.onVolumeChanged()
	return 0
}

func sessionEventsOnStateChanged(this, newState uintptr) uintptr {
	if uint32(newState) == wca.AudioSessionStateExpired {
		events := (*sessionEvents)(unsafe.Pointer(this))
		events.owner.onDisconnected()
	}
	return 0
}

func sessionEventsOnSessionDisconnected(this, reason uintptr) uintptr {
	events := (*sessionEvents)(unsafe.Pointer(this))
	events.owner.onDisconnected()
	return 0
}

// --- IAudioSessionNotification implementation -----------------------------

type sessionNotification struct {
	vtbl  *sessionNotificationVtbl
	refs  int32
	owner *wcaEndpoint
}

type sessionNotificationVtbl struct {
	queryInterface   uintptr
	addRef           uintptr
	release          uintptr
	onSessionCreated uintptr
}

var sessionNotificationVtblInstance = &sessionNotificationVtbl{
	queryInterface:   syscall.NewCallback(sessionNotificationQueryInterface),
	addRef:           syscall.NewCallback(sessionNotificationAddRef),
	release:          syscall.NewCallback(sessionNotificationRelease),
	onSessionCreated: syscall.NewCallback(sessionNotificationOnSessionCreated),
}

func newSessionNotification(owner *wcaEndpoint) *sessionNotification {
	return &sessionNotification{
		vtbl:  sessionNotificationVtblInstance,
		refs:  1,
		owner: owner,
	}
}

func sessionNotificationQueryInterface(this uintptr, riid *ole.GUID, object *uintptr) uintptr {
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, iidIAudioSessionNotification) {
		*object = this
		sessionNotificationAddRef(this)
		return 0
	}
	*object = 0
	return hrENoInterface
}

func sessionNotificationAddRef(this uintptr) uintptr {
	notification := (*sessionNotification)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&notification.refs, 1))
}

func sessionNotificationRelease(this uintptr) uintptr {
	notification := (*sessionNotification)(unsafe.Pointer(this))
	return uintptr(atomic.AddInt32(&notification.refs, -1))
}

func sessionNotificationOnSessionCreated(this uintptr, newSession *wca.IAudioSessionControl) uintptr {
	notification := (*sessionNotification)(unsafe.Pointer(this))

	// The callback only borrows the reference; take our own before wrapping.
	newSession.AddRef()
	session, ok, err := newWcaSession(newSession)
	if err != nil {
		log.WithError(err).
			Warn("Cannot inspect newly created session. Skipping it.")
		return 0
	}
	if !ok {
		return 0
	}

	notification.owner.onSessionCreated(session)
	return 0
}
