//go:build windows

package audio

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"github.com/shirou/gopsutil/process"

	"github.com/blaubaer/volume-mixer/pkg/common"
	"github.com/blaubaer/volume-mixer/pkg/mixer"
)

const audclntEDeviceInvalidated = 0x88890004

// newWcaSession wraps the given session control. The control is owned by the
// result afterwards, also in the error case. ok is false for sessions that
// are already expired.
func newWcaSession(control *wca.IAudioSessionControl) (_ mixer.Session, ok bool, rErr error) {
	success := false
	defer func() {
		if !success {
			control.Release()
		}
	}()

	var state uint32
	if err := control.GetState(&state); err != nil {
		return nil, false, fmt.Errorf("cannot get state of session: %w", err)
	}
	if state == wca.AudioSessionStateExpired {
		return nil, false, nil
	}

	dispatch, err := control.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		return nil, false, fmt.Errorf("cannot get extended session control: %w", err)
	}
	control2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	result := &wcaSession{
		control:  control,
		control2: control2,
	}
	defer func() {
		if !success {
			control2.Release()
			if result.volume != nil {
				result.volume.Release()
			}
		}
	}()

	// S_OK means it IS the system sounds session; S_FALSE surfaces from the
	// syscall layer as "Incorrect function.".
	if err := control2.IsSystemSoundsSession(); err == nil {
		result.system = true
		result.name = "System Sounds"
	} else if err.Error() == "Incorrect function." {
		if err := control2.GetProcessId(&result.pid); err != nil {
			return nil, false, fmt.Errorf("cannot get PID of process which holds the session: %w", err)
		}
		result.name = resolveProcessName(result.pid, control)
	} else {
		return nil, false, fmt.Errorf("cannot determine if session is a system sounds session: %w", err)
	}

	dispatch, err = control.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		return nil, false, fmt.Errorf("cannot get volume control of session: %w", err)
	}
	result.volume = (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))

	success = true
	return result, true, nil
}

// resolveProcessName resolves the display name of a session once, at
// discovery time. The owning process name wins; the session's own display
// name is usually empty but serves as fallback.
func resolveProcessName(pid uint32, control *wca.IAudioSessionControl) string {
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if name, err := p.Name(); err == nil && name != "" {
			return name
		}
	}
	if name, err := sessionDisplayName(control); err == nil && name != "" {
		return name
	}
	return fmt.Sprintf("pid %d", pid)
}

type wcaSession struct {
	pid    uint32
	name   string
	system bool

	control  *wca.IAudioSessionControl
	control2 *wca.IAudioSessionControl2
	volume   *wca.ISimpleAudioVolume

	mutex        sync.RWMutex
	closed       bool
	events       *sessionEvents
	observer     mixer.SessionObserver
	disconnected atomic.Bool
}

func (this *wcaSession) Pid() uint32 {
	return this.pid
}

func (this *wcaSession) Name() string {
	return this.name
}

func (this *wcaSession) IsSystemSounds() bool {
	return this.system
}

func (this *wcaSession) Volume() (int, error) {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	if this.closed {
		return 0, fmt.Errorf("session of pid %d is already closed", this.pid)
	}

	var level float32
	if err := this.volume.GetMasterVolume(&level); err != nil {
		return 0, fmt.Errorf("cannot get volume of session of pid %d: %w", this.pid, err)
	}
	return int(math.Round(float64(level) * 100)), nil
}

func (this *wcaSession) SetVolume(v int) error {
	if v < 0 || v > 100 {
		return mixer.ErrVolumeOutOfRange
	}

	this.mutex.RLock()
	defer this.mutex.RUnlock()

	if this.closed {
		return fmt.Errorf("session of pid %d is already closed", this.pid)
	}

	if err := this.volume.SetMasterVolume(float32(v)/100, nil); err != nil {
		if oleErr, ok := common.AsError[*ole.OleError](err); ok && oleErr.Code() == audclntEDeviceInvalidated {
			return fmt.Errorf("session of pid %d is gone: %w", this.pid, err)
		}
		return fmt.Errorf("cannot set volume of session of pid %d: %w", this.pid, err)
	}
	return nil
}

func (this *wcaSession) Muted() (bool, error) {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	if this.closed {
		return false, fmt.Errorf("session of pid %d is already closed", this.pid)
	}

	var muted bool
	if err := this.volume.GetMute(&muted); err != nil {
		return false, fmt.Errorf("cannot get mute state of session of pid %d: %w", this.pid, err)
	}
	return muted, nil
}

func (this *wcaSession) SetMuted(muted bool) error {
	this.mutex.RLock()
	defer this.mutex.RUnlock()

	if this.closed {
		return fmt.Errorf("session of pid %d is already closed", this.pid)
	}

	if err := this.volume.SetMute(muted, nil); err != nil {
		if oleErr, ok := common.AsError[*ole.OleError](err); ok && oleErr.Code() == audclntEDeviceInvalidated {
			return fmt.Errorf("session of pid %d is gone: %w", this.pid, err)
		}
		return fmt.Errorf("cannot set mute state of session of pid %d: %w", this.pid, err)
	}
	return nil
}

// Subscribe installs the observer under the lock but performs the COM
// registration outside of it: the registration synchronizes with callbacks,
// and callbacks take the same lock to look up the observer. Holding the lock
// across the call would let both sides wait on each other.
func (this *wcaSession) Subscribe(observer mixer.SessionObserver) error {
	this.mutex.Lock()
	if this.closed {
		this.mutex.Unlock()
		return fmt.Errorf("session of pid %d is already closed", this.pid)
	}
	if this.events != nil {
		this.mutex.Unlock()
		return fmt.Errorf("session of pid %d already has an observer", this.pid)
	}
	events := newSessionEvents(this)
	this.events = events
	this.observer = observer
	this.mutex.Unlock()

	if err := registerSessionEvents(this.control, events); err != nil {
		this.mutex.Lock()
		this.events = nil
		this.observer = nil
		this.mutex.Unlock()
		return fmt.Errorf("cannot subscribe to notifications of session of pid %d: %w", this.pid, err)
	}
	return nil
}

func (this *wcaSession) Unsubscribe() error {
	this.mutex.Lock()
	events := this.events
	this.events = nil
	this.observer = nil
	this.mutex.Unlock()

	return this.unregister(events)
}

// unregister detaches events from the COM side, after the observer has
// already been taken away under the lock. Callbacks that were in flight when
// the swap happened simply find no observer anymore.
func (this *wcaSession) unregister(events *sessionEvents) error {
	if events == nil {
		return nil
	}
	if err := unregisterSessionEvents(this.control, events); err != nil {
		return fmt.Errorf("cannot unsubscribe from notifications of session of pid %d: %w", this.pid, err)
	}
	return nil
}

func (this *wcaSession) Close() error {
	this.mutex.Lock()
	if this.closed {
		this.mutex.Unlock()
		return nil
	}
	this.closed = true
	events := this.events
	this.events = nil
	this.observer = nil
	this.mutex.Unlock()

	// closed is already visible to every accessor; nobody reaches the
	// interfaces anymore once the unregister below has drained the
	// in-flight callbacks.
	rErr := this.unregister(events)

	this.volume.Release()
	this.control2.Release()
	this.control.Release()

	return rErr
}

// onVolumeChanged is invoked by the COM events callback on an OS thread. The
// callback arguments are deliberately not trusted; volume and mute are
// re-read so the forwarded values are never stale.
func (this *wcaSession) onVolumeChanged() {
	this.mutex.RLock()
	observer := this.observer
	this.mutex.RUnlock()
	if observer == nil {
		return
	}

	volume, err := this.Volume()
	if err != nil {
		return
	}
	muted, err := this.Muted()
	if err != nil {
		return
	}
	observer.OnVolumeChanged(volume, muted)
}

// onDisconnected is invoked by the COM events callback on an OS thread, both
// for an expired state and an explicit disconnect. Forwarded at most once.
func (this *wcaSession) onDisconnected() {
	if !this.disconnected.CompareAndSwap(false, true) {
		return
	}

	this.mutex.RLock()
	observer := this.observer
	this.mutex.RUnlock()
	if observer == nil {
		return
	}
	observer.OnDisconnected()
}
