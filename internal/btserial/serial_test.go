package btserial

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/spp"
)

const waitFor = 2 * time.Second

var hc05 = connmgr.Device{
	Path:   "/org/bluez/hci0/dev_00_11_22_33_44_AA",
	MAC:    "00:11:22:33:44:AA",
	Name:   "HC-05",
	Paired: true,
}

type mockMgr struct {
	mock.Mock
}

func (m *mockMgr) CheckAdapter(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockMgr) ScanSPP(ctx context.Context) ([]connmgr.Device, error) {
	args := m.Called(ctx)
	return args.Get(0).([]connmgr.Device), args.Error(1)
}

func (m *mockMgr) Paired(ctx context.Context) ([]connmgr.Device, error) {
	args := m.Called(ctx)
	return args.Get(0).([]connmgr.Device), args.Error(1)
}

func (m *mockMgr) Resolve(ctx context.Context, mac string) (connmgr.Device, error) {
	args := m.Called(ctx, mac)
	return args.Get(0).(connmgr.Device), args.Error(1)
}

func (m *mockMgr) Connect(ctx context.Context, dev connmgr.Device) (int, error) {
	args := m.Called(ctx, dev)
	return args.Int(0), args.Error(1)
}

func (m *mockMgr) Close() error {
	return m.Called().Error(0)
}

type eventListener struct {
	NopListener

	mu          sync.Mutex
	states      []spp.State
	received    []string
	unavailable []error
	connected   chan struct{}
	once        sync.Once
}

func newEventListener() *eventListener {
	return &eventListener{connected: make(chan struct{})}
}

func (l *eventListener) StateChanged(s spp.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
	if s == spp.StateConnected {
		l.once.Do(func() { close(l.connected) })
	}
}

func (l *eventListener) DataReceived(_ []byte, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, text)
}

func (l *eventListener) AdapterUnavailable(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = append(l.unavailable, err)
}

func (l *eventListener) receivedText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := ""
	for _, s := range l.received {
		out += s
	}
	return out
}

func (l *eventListener) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-l.connected:
	case <-time.After(waitFor):
		t.Fatal("never connected")
	}
}

// pipeOpener hands out the local end of a net.Pipe per call.
type pipeOpener struct {
	mu      sync.Mutex
	remotes []net.Conn
	devices []spp.Device
}

func (o *pipeOpener) Open(_ context.Context, dev spp.Device) (spp.Transport, error) {
	local, remote := net.Pipe()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remotes = append(o.remotes, remote)
	o.devices = append(o.devices, dev)
	return local, nil
}

func (o *pipeOpener) remote(t *testing.T) net.Conn {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.remotes)
	return o.remotes[len(o.remotes)-1]
}

func (o *pipeOpener) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.devices)
}

func TestSetup_AdapterUnavailable(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(connmgr.ErrAdapterOff).Once()

	l := newEventListener()
	s := New(m, l, nil, WithOpeners(&pipeOpener{}, nil))

	err := s.Setup(t.Context())
	require.ErrorIs(t, err, connmgr.ErrAdapterOff)
	require.Len(t, l.unavailable, 1)
	require.ErrorIs(t, l.unavailable[0], connmgr.ErrAdapterOff)

	require.ErrorIs(t, s.Connect(t.Context(), hc05.MAC), ErrNotSetup)
	require.ErrorIs(t, s.Writeln("AT"), ErrNotSetup)
	assert.Equal(t, spp.StateDisconnected, s.State())
	assert.False(t, s.IsConnected())
	m.AssertExpectations(t)
}

func TestSetup_OnlyOnce(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil).Once()

	s := New(m, nil, nil, WithOpeners(&pipeOpener{}, nil))
	require.NoError(t, s.Setup(t.Context()))
	require.NoError(t, s.Setup(t.Context()))
	s.Stop()
	m.AssertExpectations(t)
}

func TestSetup_NoStrategies(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil)

	s := New(m, nil, nil, WithOpeners(nil, nil))
	require.ErrorIs(t, s.Setup(t.Context()), spp.ErrNoOpener)
}

func TestConnect_InvalidAddress(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil)

	opener := &pipeOpener{}
	s := New(m, nil, nil, WithOpeners(opener, nil))
	require.NoError(t, s.Setup(t.Context()))
	defer s.Stop()

	require.Error(t, s.Connect(t.Context(), "not-an-address"))
	m.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
	assert.Equal(t, spp.StateDisconnected, s.State())
}

func TestConnect_ResolutionFailureStartsNothing(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil)
	m.On("Resolve", mock.Anything, "00:11:22:33:44:CC").
		Return(connmgr.Device{}, connmgr.ErrDeviceNotFound)

	l := newEventListener()
	opener := &pipeOpener{}
	s := New(m, l, nil, WithOpeners(opener, nil))
	require.NoError(t, s.Setup(t.Context()))
	defer s.Stop()

	err := s.Connect(t.Context(), "00:11:22:33:44:cc")
	require.ErrorIs(t, err, connmgr.ErrDeviceNotFound)
	assert.Equal(t, spp.StateDisconnected, s.State())
	assert.Zero(t, opener.calls())
}

func TestConnect_ExchangeAndStop(t *testing.T) {
	t.Setenv(config.CfgEnv, "")

	cfg, err := config.NewConfig(afero.NewMemMapFs(), "/cfg", config.BaseDefaults)
	require.NoError(t, err)

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil)
	m.On("Resolve", mock.Anything, hc05.MAC).Return(hc05, nil)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	l := newEventListener()
	opener := &pipeOpener{}
	s := New(m, l, cfg, WithOpeners(opener, nil), WithClock(clock))
	require.NoError(t, s.Setup(t.Context()))

	require.NoError(t, s.Connect(t.Context(), "00:11:22:33:44:aa"))
	l.waitConnected(t)
	assert.True(t, s.IsConnected())

	peer, ok := s.ConnectedDevice()
	require.True(t, ok)
	assert.Equal(t, "HC-05", peer.Name)
	assert.Equal(t, hc05.MAC, peer.Address)
	assert.Equal(t, clock.Now(), peer.ConnectedAt)
	assert.Equal(t, config.Device{Address: hc05.MAC, Name: "HC-05"}, cfg.LastDevice())

	remote := opener.remote(t)

	require.NoError(t, s.Writeln("AT"))
	buf := make([]byte, 4)
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(waitFor)))
	n, err := remote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "AT\r\n", string(buf[:n]))

	_, err = remote.Write([]byte("OK"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.receivedText() == "OK" }, waitFor, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, spp.StateDisconnected, s.State())
	_, ok = s.ConnectedDevice()
	assert.False(t, ok)

	_, err = remote.Read(buf)
	require.Error(t, err, "remote sees the link closed")
	require.NoError(t, remote.Close())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []spp.State{spp.StateConnecting, spp.StateConnected, spp.StateDisconnected}, l.states)
}

func TestWriteText_DroppedWhileDisconnected(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil)

	s := New(m, nil, nil, WithOpeners(&pipeOpener{}, nil))
	require.NoError(t, s.Setup(t.Context()))
	defer s.Stop()

	require.NoError(t, s.WriteText("ignored", false))
	require.NoError(t, s.Write([]byte{0x01}))
}

func TestPairedDevices(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("Paired", mock.Anything).Return([]connmgr.Device{hc05}, nil).Once()
	m.On("Paired", mock.Anything).Return([]connmgr.Device(nil), connmgr.ErrNoAdapter).Once()

	s := New(m, nil, nil)
	devs, err := s.PairedDevices(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []connmgr.Device{hc05}, devs)

	_, err = s.PairedDevices(t.Context())
	require.ErrorIs(t, err, connmgr.ErrNoAdapter)
}

// stoppingListener stops the serial link from its disconnect notification.
type stoppingListener struct {
	NopListener
	serial   *Serial
	once     sync.Once
	returned chan struct{}
}

func (l *stoppingListener) StateChanged(s spp.State) {
	if s != spp.StateDisconnected {
		return
	}
	l.once.Do(func() {
		l.serial.Stop()
		close(l.returned)
	})
}

func TestStop_FromListenerCallback(t *testing.T) {
	t.Parallel()

	m := &mockMgr{}
	m.On("CheckAdapter", mock.Anything).Return(nil)

	l := &stoppingListener{returned: make(chan struct{})}
	s := New(m, l, nil, WithOpeners(&pipeOpener{}, nil))
	l.serial = s
	require.NoError(t, s.Setup(t.Context()))

	s.Disconnect()
	select {
	case <-l.returned:
	case <-time.After(waitFor):
		t.Fatal("Stop called from a listener callback never returned")
	}
	assert.Equal(t, spp.StateDisconnected, s.State())
	require.ErrorIs(t, s.Writeln("AT"), ErrNotSetup)
}
