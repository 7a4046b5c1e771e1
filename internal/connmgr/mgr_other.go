//go:build !linux

package connmgr

import (
	"context"
	"fmt"
	"runtime"

	"bluetooth-serial/internal/spp"
)

// New returns a manager that reports no adapter. BlueZ is Linux only.
func New() Mgr {
	return stub{}
}

type stub struct{}

func (stub) CheckAdapter(context.Context) error {
	return fmt.Errorf("%w: bluez unavailable on %s", ErrNoAdapter, runtime.GOOS)
}

func (stub) ScanSPP(context.Context) ([]Device, error) { return nil, ErrNoAdapter }

func (stub) Paired(context.Context) ([]Device, error) { return nil, ErrNoAdapter }

func (stub) Resolve(context.Context, string) (Device, error) { return Device{}, ErrNoAdapter }

func (stub) Connect(context.Context, Device) (int, error) { return 0, ErrNoAdapter }

func (stub) Close() error { return nil }

func newFileTransport(int, string) (spp.Transport, error) { return nil, ErrNoAdapter }
