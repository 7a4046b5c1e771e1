package spp

import (
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/rs/zerolog/log"

	"bluetooth-serial/internal/syncutil"
)

// Listener receives connection lifecycle and data notifications.
//
// The Controller holds a non-owning reference; callbacks run on the
// Controller's dispatch goroutine and may call back into the Controller,
// including Close.
type Listener interface {
	// StateChanged reports every state transition, including repeated
	// Disconnected notifications from Disconnect.
	StateChanged(state State)

	// PeerIdentified is sent once per successful connect, before the
	// Connected state notification.
	PeerIdentified(peer PeerIdentity)

	// DataReceived carries one received chunk and its one-byte-per-character
	// text view.
	DataReceived(raw []byte, text string)

	// DataSent carries one written chunk and its text view.
	DataSent(raw []byte, text string)
}

// NopListener ignores every notification. Embed it to implement only a
// subset of Listener.
type NopListener struct{}

func (NopListener) StateChanged(State)          {}
func (NopListener) PeerIdentified(PeerIdentity) {}
func (NopListener) DataReceived([]byte, string) {}
func (NopListener) DataSent([]byte, string)     {}

type event func(Listener)

// dispatcher delivers events to the listener in post order on its own
// goroutine. post never blocks.
type dispatcher struct {
	listener Listener
	mu       syncutil.Mutex
	queue    []event
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	// runner is the goroutine ID of run.
	runner atomic.Int64
}

func newDispatcher(l Listener) *dispatcher {
	if l == nil {
		l = NopListener{}
	}
	d := &dispatcher{
		listener: l,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(ev event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	d.runner.Store(goid.Get())
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, ev := range batch {
			d.deliver(ev)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (d *dispatcher) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("spp: listener panicked")
		}
	}()
	ev(d.listener)
}

// close stops accepting events and waits until queued ones are delivered.
// Called from a listener callback it returns at once; the remaining events
// are delivered after the callback returns.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	if d.runner.Load() == goid.Get() {
		return
	}
	<-d.done
}
