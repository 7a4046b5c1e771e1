package rfcomm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"bluetooth-serial/internal/spp"
)

type mockPort struct {
	mu     sync.Mutex
	closed bool
}

func (*mockPort) Read([]byte) (int, error)    { return 0, nil }
func (*mockPort) Write(p []byte) (int, error) { return len(p), nil }

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPort) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var dev = spp.Device{Address: "00:11:22:33:44:55"}

func TestNewTTYOpener_Defaults(t *testing.T) {
	t.Parallel()

	o := NewTTYOpener("/dev/rfcomm0", 0)
	assert.Equal(t, "/dev/rfcomm0", o.Path)
	assert.Equal(t, DefaultBaudRate, o.BaudRate)
	assert.NotNil(t, o.portFactory)
}

func TestTTYOpener_Open(t *testing.T) {
	t.Parallel()

	port := &mockPort{}
	var gotPath string
	var gotMode *serial.Mode
	o := NewTTYOpener("/dev/rfcomm3", 9600)
	o.portFactory = func(path string, mode *serial.Mode) (Port, error) {
		gotPath, gotMode = path, mode
		return port, nil
	}

	tr, err := o.Open(context.Background(), dev)
	require.NoError(t, err)
	assert.Same(t, port, tr)
	assert.Equal(t, "/dev/rfcomm3", gotPath)
	assert.Equal(t, 9600, gotMode.BaudRate)
}

func TestTTYOpener_OpenError(t *testing.T) {
	t.Parallel()

	o := NewTTYOpener("/dev/rfcomm0", 0)
	o.portFactory = func(string, *serial.Mode) (Port, error) {
		return nil, errors.New("no such device")
	}

	_, err := o.Open(context.Background(), dev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
	assert.Contains(t, err.Error(), "/dev/rfcomm0")
}

func TestTTYOpener_NoPath(t *testing.T) {
	t.Parallel()

	o := &TTYOpener{}
	_, err := o.Open(context.Background(), dev)
	require.Error(t, err)
}

func TestTTYOpener_CancelClosesLatePort(t *testing.T) {
	t.Parallel()

	port := &mockPort{}
	release := make(chan struct{})
	o := NewTTYOpener("/dev/rfcomm0", 0)
	o.portFactory = func(string, *serial.Mode) (Port, error) {
		<-release
		return port, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Open(ctx, dev)
		done <- err
	}()

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Eventually(t, port.IsClosed, time.Second, 5*time.Millisecond)
}
