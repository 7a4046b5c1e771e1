// Package btserial is the host-facing Bluetooth serial API. It checks the
// adapter, resolves addresses to known devices and drives an spp.Controller.
package btserial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/rfcomm"
	"bluetooth-serial/internal/spp"
	"bluetooth-serial/internal/syncutil"
)

// ErrNotSetup is returned by calls that need a successful Setup first.
var ErrNotSetup = errors.New("btserial: not set up")

// Listener receives connection events plus adapter availability.
type Listener interface {
	spp.Listener
	// AdapterUnavailable is called once when Setup finds no usable adapter.
	AdapterUnavailable(err error)
}

// NopListener ignores every event.
type NopListener struct {
	spp.NopListener
}

func (NopListener) AdapterUnavailable(error) {}

// Option customises a Serial.
type Option func(*Serial)

// WithOpeners replaces the strategies named in the config.
func WithOpeners(primary, fallback spp.Opener) Option {
	return func(s *Serial) {
		s.primary = primary
		s.fallback = fallback
		s.openersSet = true
	}
}

// WithClock sets the clock used to stamp connections.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Serial) {
		s.clock = clock
	}
}

// Serial is a single Bluetooth serial link.
type Serial struct {
	mgr      connmgr.Mgr
	cfg      *config.Instance
	listener Listener
	clock    clockwork.Clock

	primary    spp.Opener
	fallback   spp.Opener
	openersSet bool

	mu   syncutil.Mutex
	ctrl *spp.Controller
}

// New returns a Serial that is not yet set up. cfg may be nil, in which case
// defaults apply and the last device is not remembered.
func New(mgr connmgr.Mgr, l Listener, cfg *config.Instance, opts ...Option) *Serial {
	if l == nil {
		l = NopListener{}
	}
	s := &Serial{
		mgr:      mgr,
		cfg:      cfg,
		listener: l,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup checks the adapter and prepares the connection controller. When no
// adapter is usable the listener is told once and the error returned.
func (s *Serial) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl != nil {
		return nil
	}

	if err := s.mgr.CheckAdapter(ctx); err != nil {
		log.Error().Err(err).Msg("bluetooth adapter unavailable")
		s.listener.AdapterUnavailable(err)
		return fmt.Errorf("btserial: setup: %w", err)
	}

	connCfg := config.BaseDefaults.Connect
	sessCfg := config.BaseDefaults.Session
	if s.cfg != nil {
		connCfg = s.cfg.Connect()
		sessCfg = s.cfg.Session()
	}

	primary, fallback := s.primary, s.fallback
	if !s.openersSet {
		var err error
		if primary, err = OpenerFor(connCfg.Primary, connCfg, s.mgr); err != nil {
			return err
		}
		if fallback, err = OpenerFor(connCfg.Fallback, connCfg, s.mgr); err != nil {
			return err
		}
	}
	if primary == nil {
		primary, fallback = fallback, nil
	}
	if primary == nil {
		return fmt.Errorf("btserial: setup: %w", spp.ErrNoOpener)
	}

	log.Debug().
		Str("primary", connCfg.Primary).
		Str("fallback", connCfg.Fallback).
		Msg("creating serial controller")

	s.ctrl = spp.NewController(&recordingListener{Listener: s.listener, cfg: s.cfg}, spp.Options{
		Primary:        primary,
		Fallback:       fallback,
		ReadBufferSize: sessCfg.ReadBuffer,
		SendQueueSize:  sessCfg.SendQueue,
		Clock:          s.clock,
	})
	return nil
}

func (s *Serial) controller() *spp.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// Connect resolves address to a known device and starts connecting to it.
// Nothing is started when resolution fails.
func (s *Serial) Connect(ctx context.Context, address string) error {
	ctrl := s.controller()
	if ctrl == nil {
		return ErrNotSetup
	}

	address = strings.ToUpper(strings.TrimSpace(address))
	if _, err := rfcomm.ParseAddr(address); err != nil {
		return fmt.Errorf("btserial: connect: %w", err)
	}

	dev, err := s.mgr.Resolve(ctx, address)
	if err != nil {
		log.Warn().Err(err).Str("address", address).Msg("device not resolved")
		return fmt.Errorf("btserial: connect: %w", err)
	}

	ctrl.Connect(dev.Target())
	return nil
}

// Write sends data when connected and drops it otherwise.
func (s *Serial) Write(data []byte) error {
	ctrl := s.controller()
	if ctrl == nil {
		return ErrNotSetup
	}
	return ctrl.Send(data)
}

// WriteText sends text as ISO-8859-1, followed by CRLF when crlf is set.
func (s *Serial) WriteText(text string, crlf bool) error {
	ctrl := s.controller()
	if ctrl == nil {
		return ErrNotSetup
	}
	return ctrl.SendText(text, crlf)
}

// Writeln sends text terminated by CRLF.
func (s *Serial) Writeln(text string) error {
	return s.WriteText(text, true)
}

// Disconnect drops the current attempt or session.
func (s *Serial) Disconnect() {
	if ctrl := s.controller(); ctrl != nil {
		ctrl.Disconnect()
	}
}

// Stop disconnects and releases the controller. Setup may be called again.
func (s *Serial) Stop() {
	s.mu.Lock()
	ctrl := s.ctrl
	s.ctrl = nil
	s.mu.Unlock()

	if ctrl == nil {
		return
	}
	ctrl.Disconnect()
	ctrl.Close()
}

func (s *Serial) State() spp.State {
	ctrl := s.controller()
	if ctrl == nil {
		return spp.StateDisconnected
	}
	return ctrl.State()
}

func (s *Serial) IsConnected() bool {
	return s.State() == spp.StateConnected
}

// ConnectedDevice returns the identity of the connected peer.
func (s *Serial) ConnectedDevice() (spp.PeerIdentity, bool) {
	ctrl := s.controller()
	if ctrl == nil {
		return spp.PeerIdentity{}, false
	}
	return ctrl.Peer()
}

// PairedDevices lists the devices paired with the adapter.
func (s *Serial) PairedDevices(ctx context.Context) ([]connmgr.Device, error) {
	devs, err := s.mgr.Paired(ctx)
	if err != nil {
		return nil, fmt.Errorf("btserial: paired devices: %w", err)
	}
	return devs, nil
}

// recordingListener remembers the last connected device in the config.
type recordingListener struct {
	Listener
	cfg *config.Instance
}

func (r *recordingListener) PeerIdentified(p spp.PeerIdentity) {
	if r.cfg != nil {
		r.cfg.SetLastDevice(config.Device{Address: p.Address, Name: p.Name})
		if err := r.cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("failed to save last device")
		}
	}
	r.Listener.PeerIdentified(p)
}
