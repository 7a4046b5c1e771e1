//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"bluetooth-serial/internal/spp"
)

// New creates a new manager instance. The system bus is connected lazily.
func New() Mgr {
	return &mgr{}
}

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type mgr struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	cliProf    *profile
	clientPath dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

func (m *mgr) busForCall() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, err
	}
	return m.bus, nil
}

type fdResult struct {
	fd  int
	err error
}

// profile implements org.bluez.Profile1 and routes NewConnection FDs to the
// Connect call waiting for that device.
type profile struct {
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan fdResult
}

var errSuperseded = errors.New("connmgr: superseded by a newer connect")

// wait registers the caller as the receiver of dev's next FD. An earlier
// waiter for dev is told it was superseded.
func (p *profile) wait(dev dbus.ObjectPath) chan fdResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.waiters[dev]; ok {
		// Still registered, so nothing was sent on it yet.
		old <- fdResult{err: errSuperseded}
	}
	ch := make(chan fdResult, 1)
	p.waiters[dev] = ch
	return ch
}

// done stops waiting for dev. An FD that raced in is closed.
func (p *profile) done(dev dbus.ObjectPath, ch chan fdResult) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()

	select {
	case res := <-ch:
		if res.err == nil {
			closeFD(res.fd)
		}
	default:
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the session closes its own socket.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting Connect call.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
		// Buffered; sent under the lock so done cannot miss it.
		ch <- fdResult{fd: int(fd)}
	}
	p.mu.Unlock()

	if !ok {
		// Nobody asked for this device; close the FD and reject.
		closeFD(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	return nil
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}

// ensureClientProfileLocked exports and registers the client Profile1 once.
func (m *mgr) ensureClientProfileLocked() error {
	if m.cliProf != nil {
		return nil
	}
	prof := &profile{waiters: make(map[dbus.ObjectPath]chan fdResult)}
	// Unique client path per instance.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_serial/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, spp.UUID, optsMap); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	// Unregister client profile on close.
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = m.bus.Export(nil, path, profileInterfaceName)
	})
	m.cliProf = prof
	m.clientPath = path
	return nil
}

func (m *mgr) CheckAdapter(ctx context.Context) error {
	bus, err := m.busForCall()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		// No system bus means no BlueZ and so no usable adapter.
		return fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}
	return adapterStatus(objs)
}

// adapterStatus reports whether at least one adapter is present and powered.
func adapterStatus(objs managedObjects) error {
	found := false
	for _, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		found = true
		if v, ok := props["Powered"]; ok {
			if on, _ := v.Value().(bool); on {
				return nil
			}
		}
	}
	if !found {
		return ErrNoAdapter
	}
	return ErrAdapterOff
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	bus, err := m.busForCall()
	if err != nil {
		return nil, err
	}

	// Discover adapters.
	adapters, err := listAdapters(ctx, bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapters {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	// Prime from current managed objects.
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	devMap := sppDevices(objs)

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces); ok && dev.hasSPP {
				devMap[dev.Path] = dev.Device
			}
		}
	}

	return sortedDevices(devMap), nil
}

func (m *mgr) Paired(ctx context.Context) ([]Device, error) {
	bus, err := m.busForCall()
	if err != nil {
		return nil, err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok && dev.Paired {
			out[dev.Path] = dev.Device
		}
	}
	return sortedDevices(out), nil
}

func (m *mgr) Resolve(ctx context.Context, mac string) (Device, error) {
	bus, err := m.busForCall()
	if err != nil {
		return Device{}, err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return Device{}, err
	}
	return resolve(objs, mac)
}

func resolve(objs managedObjects, mac string) (Device, error) {
	for path, ifaces := range objs {
		dev, ok := deviceFromIfaces(path, ifaces)
		if ok && strings.EqualFold(dev.MAC, mac) {
			return dev.Device, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
}

func (m *mgr) Connect(ctx context.Context, dev Device) (fd int, err error) {
	if dev.Path == "" {
		return 0, errors.New("connmgr: device path required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if err := m.ensureClientProfileLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	prof := m.cliProf
	bus := m.bus
	m.mu.Unlock()

	devPath := dbus.ObjectPath(dev.Path)
	ch := prof.wait(devPath)
	defer prof.done(devPath, ch)

	// Ensure paired; if not, attempt Pair() via Agent.
	devObj := bus.Object(bluezService, devPath)
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				log.Info().Str("device", dev.Path).Msg("connmgr: pairing")
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return 0, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}
	// Initiate ConnectProfile on the device.
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, spp.UUID); call.Err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, res.err
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	// Clear to allow GC of captured resources.
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

func getManagedObjects(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(ctx context.Context, bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

func sppDevices(objs managedObjects) map[string]Device {
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok && dev.hasSPP {
			out[dev.Path] = dev.Device
		}
	}
	return out
}

func sortedDevices(m map[string]Device) []Device {
	out := make([]Device, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

type bluezDevice struct {
	Device
	hasSPP bool
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (bluezDevice, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return bluezDevice{}, false
	}
	var uu []string
	if v, ok := props["UUIDs"]; ok {
		uu, _ = v.Value().([]string)
	}
	var dev bluezDevice
	dev.Path = string(path)
	dev.hasSPP = containsUUID(uu, spp.UUID)
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = v.Value().(bool)
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	return dev, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}
