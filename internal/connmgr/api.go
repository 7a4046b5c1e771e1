// Package connmgr is the BlueZ binding: it checks the local adapter, lists
// SPP-capable devices and opens RFCOMM connections through the
// org.bluez.Profile1 D-Bus API.
//
// Thread-safety: all methods are safe for concurrent use. Close is idempotent.
package connmgr

import (
	"context"
	"errors"
	"strings"

	"bluetooth-serial/internal/spp"
)

var (
	// ErrNoAdapter reports that no Bluetooth adapter is present.
	ErrNoAdapter = errors.New("connmgr: no bluetooth adapter")

	// ErrAdapterOff reports that the adapter exists but is powered off.
	ErrAdapterOff = errors.New("connmgr: bluetooth adapter is powered off")

	// ErrDeviceNotFound reports that no known device has the given address.
	ErrDeviceNotFound = errors.New("connmgr: device not found")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("connmgr: closed")
)

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path   string // D-Bus object path, e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
	MAC    string
	Name   string
	Alias  string
	Paired bool
}

// DisplayName prefers the user-set alias over the remote name.
func (d Device) DisplayName() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Name
}

// Target converts d into the reference handed to the connection controller.
func (d Device) Target() spp.Device {
	return spp.Device{Address: strings.ToUpper(d.MAC), Name: d.DisplayName()}
}

// Mgr is the device source and profile-level connector.
type Mgr interface {
	// CheckAdapter returns ErrNoAdapter or ErrAdapterOff when no usable
	// adapter exists.
	CheckAdapter(ctx context.Context) error

	// ScanSPP discovers nearby devices advertising SPP until ctx is done and
	// returns a snapshot list. Use context.WithTimeout to bound it.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Paired returns the paired devices currently known to BlueZ.
	Paired(ctx context.Context) ([]Device, error)

	// Resolve looks up a known device by MAC address.
	Resolve(ctx context.Context, mac string) (Device, error)

	// Connect asks BlueZ to connect the SPP profile of dev and returns the
	// RFCOMM socket FD delivered through Profile1.NewConnection. The caller
	// owns the FD. Pairing is attempted first when the device is not paired;
	// a pre-registered agent must handle any prompt.
	Connect(ctx context.Context, dev Device) (fd int, err error)

	// Close releases D-Bus objects and subscriptions.
	Close() error
}
