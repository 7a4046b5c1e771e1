package rfcomm

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"bluetooth-serial/internal/spp"
)

// DefaultBaudRate is used when a TTY opener has no explicit rate. RFCOMM
// ignores it, but the serial layer requires one.
const DefaultBaudRate = 115200

// Port is the subset of serial.Port a session needs.
type Port interface {
	io.ReadWriteCloser
}

// PortFactory opens a serial port.
type PortFactory func(path string, mode *serial.Mode) (Port, error)

// DefaultPortFactory opens real serial ports.
func DefaultPortFactory(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

// TTYOpener opens an RFCOMM TTY (for example /dev/rfcomm0) that was bound to
// the remote device beforehand. Opening the TTY triggers the baseband
// connect, so it may block for the platform's page timeout.
type TTYOpener struct {
	Path     string
	BaudRate int

	portFactory PortFactory
}

// NewTTYOpener returns an opener for the TTY at path.
func NewTTYOpener(path string, baudRate int) *TTYOpener {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &TTYOpener{
		Path:        path,
		BaudRate:    baudRate,
		portFactory: DefaultPortFactory,
	}
}

type portResult struct {
	port Port
	err  error
}

// Open opens the TTY. dev is only used for logging; the binding decides the
// remote end. A port that finishes opening after ctx is cancelled is closed.
func (o *TTYOpener) Open(ctx context.Context, dev spp.Device) (spp.Transport, error) {
	if o.Path == "" {
		return nil, fmt.Errorf("rfcomm: no tty path configured for %s", dev.Address)
	}
	factory := o.portFactory
	if factory == nil {
		factory = DefaultPortFactory
	}
	log.Debug().Str("path", o.Path).Str("address", dev.Address).Msg("rfcomm: opening tty")

	ch := make(chan portResult, 1)
	go func() {
		p, err := factory(o.Path, &serial.Mode{BaudRate: o.BaudRate})
		ch <- portResult{port: p, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("rfcomm: open tty %s: %w", o.Path, r.err)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, fmt.Errorf("rfcomm: open tty %s cancelled: %w", o.Path, ctx.Err())
	}
}
