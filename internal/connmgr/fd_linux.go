//go:build linux

package connmgr

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/spp"
)

// newFileTransport takes ownership of fd. A non-blocking fd is registered
// with the runtime poller so Close unblocks a pending Read.
func newFileTransport(fd int, address string) (spp.Transport, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+address), nil
}
