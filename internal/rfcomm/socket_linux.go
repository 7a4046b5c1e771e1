//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/spp"
)

// From <bluetooth/rfcomm.h>.
const (
	solRFCOMM       = 18
	rfcommLM        = 0x03
	rfcommLMAuth    = 0x0002
	rfcommLMEncrypt = 0x0004
)

func openSocket(ctx context.Context, address string, channel uint8, secure bool) (spp.Transport, error) {
	addr, err := ParseAddr(address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: socket: %w", err)
	}
	if secure {
		if err := unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, rfcommLMAuth|rfcommLMEncrypt); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("rfcomm: set link mode: %w", err)
		}
	}

	// A non-blocking fd is registered with the runtime poller, so Close
	// unblocks pending I/O on other goroutines.
	f := os.NewFile(uintptr(fd), "rfcomm:"+address)
	stop := context.AfterFunc(ctx, func() { _ = f.Close() })

	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}
	if err := connect(f, sa); err != nil {
		stop()
		_ = f.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rfcomm: connect %s cancelled: %w", address, ctx.Err())
		}
		return nil, fmt.Errorf("rfcomm: connect %s channel %d: %w", address, channel, err)
	}
	if !stop() {
		// Cancellation won the race and closed the file.
		return nil, fmt.Errorf("rfcomm: connect %s cancelled: %w", address, ctx.Err())
	}
	return f, nil
}

// connect issues a non-blocking connect and waits for completion through the
// poller.
func connect(f *os.File, sa unix.Sockaddr) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return fmt.Errorf("rfcomm: raw conn: %w", err)
	}

	var connErr error
	started := false
	err = rc.Write(func(fd uintptr) bool {
		if !started {
			started = true
			connErr = unix.Connect(int(fd), sa)
			return !errors.Is(connErr, unix.EINPROGRESS)
		}
		soErr, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		switch {
		case gerr != nil:
			connErr = gerr
		case soErr != 0:
			connErr = unix.Errno(soErr)
		default:
			connErr = nil
		}
		return true
	})
	if err != nil {
		return err
	}
	return connErr
}
