package spp

import (
	"bytes"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"bluetooth-serial/internal/syncutil"
)

// Options configures a Controller.
type Options struct {
	// Primary is the first open strategy. Required.
	Primary Opener
	// Fallback is tried when Primary fails. Optional.
	Fallback Opener

	// ReadBufferSize bounds a receive chunk; DefaultReadBufferSize if zero.
	ReadBufferSize int
	// SendQueueSize bounds pending writes; DefaultSendQueueSize if zero.
	SendQueueSize int

	// Clock stamps PeerIdentity.ConnectedAt; the real clock if nil.
	Clock clockwork.Clock
}

// Controller is the connection state machine. It owns the current state,
// the pending connect attempt and the active session, and relays events to
// its Listener.
//
// All transitions happen under one mutex. Blocking transport operations never
// run while it is held.
type Controller struct {
	opts   Options
	clock  clockwork.Clock
	events *dispatcher

	mu      syncutil.Mutex
	state   State
	pending *connector
	session *session
	peer    *PeerIdentity
	closed  bool

	wg sync.WaitGroup
}

// NewController returns a Disconnected controller reporting to l.
func NewController(l Listener, opts Options) *Controller {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		opts:   opts,
		clock:  clock,
		events: newDispatcher(l),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the identity of the connected device, if any.
func (c *Controller) Peer() (PeerIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return PeerIdentity{}, false
	}
	return *c.peer, true
}

// Connect supersedes any pending attempt or active session and starts a new
// attempt to dev. The caller must hand in a resolved device.
func (c *Controller) Connect(dev Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		log.Warn().Str("address", dev.Address).Msg("spp: connect on closed controller ignored")
		return
	}
	log.Debug().Str("address", dev.Address).Str("name", dev.Name).Msg("spp: connect")

	c.cancelWorkersLocked()
	w := newConnector(c, dev, c.opts.Primary, c.opts.Fallback)
	c.pending = w
	c.setStateLocked(StateConnecting)

	c.wg.Add(1)
	go w.run()
}

// Disconnect cancels any attempt or session and reports Disconnected. It is
// idempotent and always notifies.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debug().Msg("spp: disconnect")
	c.cancelWorkersLocked()
	c.setStateLocked(StateDisconnected)
}

// Send queues data for the active session. It is a silent no-op unless the
// controller is Connected. The slice is copied.
func (c *Controller) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.session == nil {
		return nil
	}
	return c.session.enqueue(bytes.Clone(data))
}

// SendText encodes text one byte per character and sends it, followed by CRLF
// when appendNewline is set. Both go out as a single write.
func (c *Controller) SendText(text string, appendNewline bool) error {
	data := EncodeText(text)
	if appendNewline {
		data = append(data, CRLF...)
	}
	return c.Send(data)
}

// Close tears down any attempt or session, waits for worker goroutines to
// exit and flushes pending notifications. Called from a listener callback it
// does not wait for the notifications still queued. The controller cannot be
// reused.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelWorkersLocked()
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.events.close()
}

// cancelWorkersLocked discards the pending attempt and active session without
// waiting for them. Transport handles are closed on the workers' goroutines.
func (c *Controller) cancelWorkersLocked() {
	if c.pending != nil {
		c.pending.cancel()
		c.pending = nil
	}
	if c.session != nil {
		c.session.cancel()
		c.session = nil
	}
	c.peer = nil
}

func (c *Controller) setStateLocked(s State) {
	if c.state != s {
		log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("spp: state change")
	}
	c.state = s
	c.events.post(func(l Listener) { l.StateChanged(s) })
}

// connectSucceeded promotes w's transport to the active session if w is still
// the pending attempt. A superseded attempt's transport is closed.
func (c *Controller) connectSucceeded(w *connector, t Transport) {
	c.mu.Lock()
	if c.pending != w || c.closed {
		c.mu.Unlock()
		log.Debug().Str("attempt", w.id).Msg("spp: discarding stale connection")
		_ = t.Close()
		return
	}
	c.pending = nil
	if c.session != nil {
		c.session.cancel()
	}

	s := newSession(c, t, c.opts.ReadBufferSize, c.opts.SendQueueSize)
	c.session = s
	peer := PeerIdentity{
		Name:        w.dev.Name,
		Address:     w.dev.Address,
		ConnectedAt: c.clock.Now(),
	}
	c.peer = &peer
	c.events.post(func(l Listener) { l.PeerIdentified(peer) })
	c.setStateLocked(StateConnected)

	c.wg.Add(sessionGoroutines)
	s.start()
	c.mu.Unlock()

	log.Info().Str("address", peer.Address).Str("name", peer.Name).Msg("spp: connected")
}

// connectFailed collapses to Disconnected if w is still the pending attempt.
func (c *Controller) connectFailed(w *connector, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != w {
		log.Debug().Str("attempt", w.id).Err(err).Msg("spp: ignoring stale connect failure")
		return
	}
	log.Warn().Err(err).Str("address", w.dev.Address).Msg("spp: connect failed")
	c.pending = nil
	c.setStateLocked(StateDisconnected)
}

// sessionFailed collapses to Disconnected if s is still the active session.
func (c *Controller) sessionFailed(s *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		log.Debug().Err(err).Msg("spp: ignoring stale session failure")
		return
	}
	log.Warn().Err(err).Msg("spp: session failed")
	s.cancel()
	c.session = nil
	c.peer = nil
	c.setStateLocked(StateDisconnected)
}

func (c *Controller) dataReceived(s *session, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	text := DecodeText(raw)
	c.events.post(func(l Listener) { l.DataReceived(raw, text) })
}

func (c *Controller) dataSent(s *session, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	text := DecodeText(raw)
	c.events.post(func(l Listener) { l.DataSent(raw, text) })
}

// invariantHoldsLocked checks the state/worker correspondence.
func (c *Controller) invariantHoldsLocked() bool {
	connecting := c.state == StateConnecting
	connected := c.state == StateConnected
	return connecting == (c.pending != nil) &&
		connected == (c.session != nil) &&
		!(c.pending != nil && c.session != nil)
}
