package mixer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Start_EnumeratesExistingSessions(t *testing.T) {
	fixture := newServiceFixture(t,
		newFakeSession(100, "App A", 50, false),
		newFakeSession(200, "App B", 80, true),
	)

	require.NoError(t, fixture.service.Start())

	events := fixture.listener.await(t, 2)
	assert.ElementsMatch(t, []string{
		"created 100 App A 50 false",
		"created 200 App B 80 true",
	}, describeAll(events))
}

func TestService_Disconnect_RemovesSession(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	b := newFakeSession(200, "App B", 80, true)
	fixture := newServiceFixture(t, a, b)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 2)

	go a.fireDisconnected()

	events := fixture.listener.await(t, 3)
	assert.Equal(t, "removed 100", describe(events[2]))
	assert.True(t, a.isClosed())

	infos := fixture.service.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, uint32(200), infos[0].Pid)
}

func TestService_Disconnect_Twice_RemovesOnce(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, a)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)

	observer := a.currentObserver()
	require.NotNil(t, observer)
	observer.OnDisconnected()
	observer.OnDisconnected()

	events := fixture.listener.await(t, 2)
	fixture.listener.awaitNoMore(t, 2)
	assert.Equal(t, "removed 100", describe(events[1]))
}

func TestService_Start_Twice_Fails(t *testing.T) {
	fixture := newServiceFixture(t)

	require.NoError(t, fixture.service.Start())
	assert.Equal(t, ErrAlreadyStarted, fixture.service.Start())
}

func TestService_Stop_WithoutStart_Fails(t *testing.T) {
	fixture := newServiceFixture(t)

	assert.Equal(t, ErrNotStarted, fixture.service.Stop())
}

func TestService_Start_DeviceUnavailable_SurfacesAndAllowsRetry(t *testing.T) {
	fixture := newServiceFixture(t, newFakeSession(100, "App A", 50, false))
	fixture.source.failures = 1
	fixture.source.err = fmt.Errorf("endpoint gone: %w", ErrDeviceUnavailable)

	require.NoError(t, fixture.service.Start())

	events := fixture.listener.await(t, 1)
	require.Equal(t, "startFailed", events[0].kind)
	assert.ErrorIs(t, events[0].err, ErrDeviceUnavailable)

	// The failed attempt left the service stopped; a retry works.
	require.NoError(t, fixture.service.Start())
	events = fixture.listener.await(t, 2)
	assert.Equal(t, "created 100 App A 50 false", describe(events[1]))
}

func TestService_SetVolume_UnknownPid_IsNoOp(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, a)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)

	require.NoError(t, fixture.service.SetVolume(999, 10))

	fixture.listener.awaitNoMore(t, 1)
	assert.Equal(t, 50, a.currentVolume())
	assert.Len(t, fixture.service.Sessions(), 1)
}

func TestService_SetVolume_OutOfRange_Fails(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, a)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)

	assert.Equal(t, ErrVolumeOutOfRange, fixture.service.SetVolume(100, -1))
	assert.Equal(t, ErrVolumeOutOfRange, fixture.service.SetVolume(100, 101))
	assert.Equal(t, 50, a.currentVolume())
}

func TestService_SetMute_EchoCarriesFreshValues(t *testing.T) {
	b := newFakeSession(200, "App B", 80, true)
	fixture := newServiceFixture(t, b)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)

	// The fake echoes the change like the OS does.
	require.NoError(t, fixture.service.SetMute(200, false))

	events := fixture.listener.await(t, 2)
	fixture.listener.awaitNoMore(t, 2)
	assert.Equal(t, "volumeChanged 200 80 false", describe(events[1]))
}

func TestService_Stop_ClearsRegistryAndSilences(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	b := newFakeSession(200, "App B", 80, true)
	fixture := newServiceFixture(t, a, b)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 2)

	observer := a.currentObserver()
	require.NotNil(t, observer)

	require.NoError(t, fixture.service.Stop())

	assert.Empty(t, fixture.service.Sessions())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Nil(t, a.currentObserver())

	// An OS callback thread firing right after Stop must not reach the
	// client anymore, not even through a subscription it still holds.
	go observer.OnVolumeChanged(30, false)
	go observer.OnDisconnected()

	fixture.listener.awaitNoMore(t, 2)
}

func TestService_Restart_AfterStop(t *testing.T) {
	fixture := newServiceFixture(t, newFakeSession(100, "App A", 50, false))

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)
	require.NoError(t, fixture.service.Stop())

	fixture.source.swap(newFakeEndpoint(newFakeSession(300, "App C", 20, false)))

	require.NoError(t, fixture.service.Start())
	events := fixture.listener.await(t, 2)
	assert.Equal(t, "created 300 App C 20 false", describe(events[1]))
}

func TestService_Stop_DuringEnumeration_StaysSilent(t *testing.T) {
	fixture := newServiceFixture(t, newFakeSession(100, "App A", 50, false))
	endpoint := fixture.source.endpoint
	endpoint.sessionsEntered = make(chan struct{}, 1)
	endpoint.sessionsGate = make(chan struct{})

	require.NoError(t, fixture.service.Start())
	<-endpoint.sessionsEntered

	// Stop wins the race: it closes the endpoint while the worker is still
	// inside the enumeration. The worker observes the closed endpoint,
	// aborts without a start-failure and leaves the service restartable.
	require.NoError(t, fixture.service.Stop())
	close(endpoint.sessionsGate)

	fixture.listener.awaitNoMore(t, 0)

	_, err := endpoint.Sessions()
	assert.Error(t, err)

	fixture.source.swap(newFakeEndpoint(newFakeSession(300, "App C", 20, false)))
	require.NoError(t, fixture.service.Start())
	events := fixture.listener.await(t, 1)
	assert.Equal(t, "created 300 App C 20 false", describe(events[0]))
}

func TestService_NotificationDuringSubscribe_DoesNotDeadlock(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	a.echoOnSubscribe = true
	fixture := newServiceFixture(t, a)

	require.NoError(t, fixture.service.Start())

	events := fixture.listener.await(t, 2)
	fixture.listener.awaitNoMore(t, 2)
	assert.ElementsMatch(t, []string{
		"created 100 App A 50 false",
		"volumeChanged 100 50 false",
	}, describeAll(events))
}

func TestService_DuplicateCreateEventIsDeduplicated(t *testing.T) {
	snapshot := newFakeSession(100, "App A", 50, false)
	duplicate := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, snapshot)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)

	fixture.source.endpoint.created <- duplicate

	fixture.listener.awaitNoMore(t, 1)
	assert.True(t, duplicate.isClosed())
	assert.False(t, snapshot.isClosed())
	assert.Len(t, fixture.service.Sessions(), 1)
}

func TestService_CreateEvent_RegistersSession(t *testing.T) {
	fixture := newServiceFixture(t)

	require.NoError(t, fixture.service.Start())

	fixture.source.endpoint.created <- newFakeSession(400, "App D", 65, false)

	events := fixture.listener.await(t, 1)
	assert.Equal(t, "created 400 App D 65 false", describe(events[0]))
}

func TestService_FiltersSystemSoundsAndFilteredNames(t *testing.T) {
	system := newFakeSession(0, "System Sounds", 100, false)
	system.system = true
	excluded := newFakeSession(300, "noisy.exe", 10, false)
	kept := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, system, excluded, kept)
	fixture.service.Filter = func(name string) bool { return name != "noisy.exe" }

	require.NoError(t, fixture.service.Start())

	events := fixture.listener.await(t, 1)
	fixture.listener.awaitNoMore(t, 1)
	assert.Equal(t, "created 100 App A 50 false", describe(events[0]))
	assert.True(t, system.isClosed())
	assert.True(t, excluded.isClosed())
}

func TestService_BrokenSessionIsSkipped(t *testing.T) {
	broken := newFakeSession(300, "Broken", 10, false)
	broken.volumeErr = fmt.Errorf("cannot query process")
	kept := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, broken, kept)

	require.NoError(t, fixture.service.Start())

	events := fixture.listener.await(t, 1)
	fixture.listener.awaitNoMore(t, 1)
	assert.Equal(t, "created 100 App A 50 false", describe(events[0]))
	assert.True(t, broken.isClosed())
}

func TestService_NotificationsArriveOnHomeContext(t *testing.T) {
	a := newFakeSession(100, "App A", 50, false)
	fixture := newServiceFixture(t, a)

	require.NoError(t, fixture.service.Start())
	fixture.listener.await(t, 1)

	go a.fireVolumeChanged()

	events := fixture.listener.await(t, 2)
	for _, event := range events {
		assert.Equal(t, fixture.homeGid, event.gid, "event %q must arrive on the home goroutine", describe(event))
	}
}

// --- fixture ---------------------------------------------------------------

type serviceFixture struct {
	service  *Service
	source   *fakeSource
	listener *recordingListener
	homeGid  int64
}

func newServiceFixture(t *testing.T, sessions ...Session) *serviceFixture {
	source := &fakeSource{endpoint: newFakeEndpoint(sessions...)}
	listener := &recordingListener{}
	marshaler := NewMarshaler()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	homeGid := make(chan int64, 1)
	go func() {
		homeGid <- gid()
		marshaler.Run(ctx)
	}()

	return &serviceFixture{
		service:  New(source, marshaler, listener),
		source:   source,
		listener: listener,
		homeGid:  <-homeGid,
	}
}

type fakeSource struct {
	mutex    sync.Mutex
	endpoint *fakeEndpoint
	err      error
	failures int
}

func (this *fakeSource) Open() (Endpoint, error) {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	if this.failures > 0 {
		this.failures--
		return nil, this.err
	}
	return this.endpoint, nil
}

func (this *fakeSource) swap(endpoint *fakeEndpoint) {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	this.endpoint = endpoint
}

func newFakeEndpoint(sessions ...Session) *fakeEndpoint {
	return &fakeEndpoint{
		sessions: sessions,
		created:  make(chan Session, 16),
	}
}

type fakeEndpoint struct {
	sessions []Session
	created  chan Session

	// sessionsEntered and sessionsGate let a test freeze the enumeration
	// mid-flight; both stay nil otherwise.
	sessionsEntered chan struct{}
	sessionsGate    chan struct{}

	mutex  sync.Mutex
	closed bool
}

func (this *fakeEndpoint) Sessions() ([]Session, error) {
	if this.sessionsEntered != nil {
		select {
		case this.sessionsEntered <- struct{}{}:
		default:
		}
	}
	if this.sessionsGate != nil {
		<-this.sessionsGate
	}

	this.mutex.Lock()
	defer this.mutex.Unlock()

	if this.closed {
		return nil, fmt.Errorf("endpoint is already closed")
	}
	return this.sessions, nil
}

func (this *fakeEndpoint) Created() <-chan Session {
	return this.created
}

func (this *fakeEndpoint) Close() error {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	if this.closed {
		return nil
	}
	this.closed = true
	close(this.created)
	return nil
}

func newFakeSession(pid uint32, name string, volume int, muted bool) *fakeSession {
	return &fakeSession{
		pid:    pid,
		name:   name,
		volume: volume,
		muted:  muted,
	}
}

type fakeSession struct {
	pid    uint32
	name   string
	system bool

	// echoOnSubscribe makes Subscribe deliver a volume notification
	// synchronously from within the registration itself.
	echoOnSubscribe bool

	mutex     sync.Mutex
	volume    int
	muted     bool
	volumeErr error
	observer  SessionObserver
	closed    bool
}

func (this *fakeSession) Pid() uint32 {
	return this.pid
}

func (this *fakeSession) Name() string {
	return this.name
}

func (this *fakeSession) IsSystemSounds() bool {
	return this.system
}

func (this *fakeSession) Volume() (int, error) {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	if this.volumeErr != nil {
		return 0, this.volumeErr
	}
	return this.volume, nil
}

func (this *fakeSession) SetVolume(v int) error {
	this.mutex.Lock()
	this.volume = v
	this.mutex.Unlock()

	this.fireVolumeChanged()
	return nil
}

func (this *fakeSession) Muted() (bool, error) {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	return this.muted, nil
}

func (this *fakeSession) SetMuted(muted bool) error {
	this.mutex.Lock()
	this.muted = muted
	this.mutex.Unlock()

	this.fireVolumeChanged()
	return nil
}

func (this *fakeSession) Subscribe(observer SessionObserver) error {
	this.mutex.Lock()
	if this.observer != nil {
		this.mutex.Unlock()
		return fmt.Errorf("session %d already has an observer", this.pid)
	}
	this.observer = observer
	echo := this.echoOnSubscribe
	this.mutex.Unlock()

	if echo {
		this.fireVolumeChanged()
	}
	return nil
}

func (this *fakeSession) Unsubscribe() error {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	this.observer = nil
	return nil
}

func (this *fakeSession) Close() error {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	this.closed = true
	return nil
}

// fireVolumeChanged emulates the asynchronous OS echo after a state change.
func (this *fakeSession) fireVolumeChanged() {
	this.mutex.Lock()
	observer := this.observer
	volume := this.volume
	muted := this.muted
	this.mutex.Unlock()

	if observer != nil {
		observer.OnVolumeChanged(volume, muted)
	}
}

func (this *fakeSession) fireDisconnected() {
	this.mutex.Lock()
	observer := this.observer
	this.mutex.Unlock()

	if observer != nil {
		observer.OnDisconnected()
	}
}

func (this *fakeSession) currentObserver() SessionObserver {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	return this.observer
}

func (this *fakeSession) currentVolume() int {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	return this.volume
}

func (this *fakeSession) isClosed() bool {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	return this.closed
}

// --- listener --------------------------------------------------------------

type recordedEvent struct {
	kind   string
	pid    uint32
	name   string
	volume int
	muted  bool
	err    error
	gid    int64
}

func describe(event recordedEvent) string {
	switch event.kind {
	case "created":
		return fmt.Sprintf("created %d %s %d %t", event.pid, event.name, event.volume, event.muted)
	case "removed":
		return fmt.Sprintf("removed %d", event.pid)
	case "volumeChanged":
		return fmt.Sprintf("volumeChanged %d %d %t", event.pid, event.volume, event.muted)
	default:
		return event.kind
	}
}

func describeAll(events []recordedEvent) []string {
	result := make([]string, len(events))
	for i, event := range events {
		result[i] = describe(event)
	}
	return result
}

type recordingListener struct {
	mutex  sync.Mutex
	events []recordedEvent
}

func (this *recordingListener) OnStartFailed(err error) {
	this.add(recordedEvent{kind: "startFailed", err: err})
}

func (this *recordingListener) OnSessionCreated(info SessionInfo) {
	this.add(recordedEvent{kind: "created", pid: info.Pid, name: info.Name, volume: info.Volume, muted: info.Muted})
}

func (this *recordingListener) OnSessionRemoved(pid uint32) {
	this.add(recordedEvent{kind: "removed", pid: pid})
}

func (this *recordingListener) OnSessionVolumeChanged(pid uint32, volume int, muted bool) {
	this.add(recordedEvent{kind: "volumeChanged", pid: pid, volume: volume, muted: muted})
}

func (this *recordingListener) add(event recordedEvent) {
	event.gid = gid()

	this.mutex.Lock()
	defer this.mutex.Unlock()
	this.events = append(this.events, event)
}

func (this *recordingListener) snapshot() []recordedEvent {
	this.mutex.Lock()
	defer this.mutex.Unlock()

	result := make([]recordedEvent, len(this.events))
	copy(result, this.events)
	return result
}

func (this *recordingListener) await(t *testing.T, n int) []recordedEvent {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return len(this.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected at least %d events, got %v", n, describeAll(this.snapshot()))
	return this.snapshot()
}

// awaitNoMore asserts that no event beyond the first n ever shows up.
func (this *recordingListener) awaitNoMore(t *testing.T, n int) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, this.snapshot(), n)
}
