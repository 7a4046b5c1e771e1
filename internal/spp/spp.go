// Package spp manages a single Serial Port Profile connection carried over an
// RFCOMM transport: it opens the link, shuttles raw byte chunks in both
// directions and reports lifecycle events to a Listener.
//
// Thread-safety: every exported method of Controller is safe for concurrent
// use. Listener callbacks are delivered in order on a single goroutine owned by
// the Controller.
package spp

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	// UUID is the Serial Port Profile service class UUID.
	UUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultReadBufferSize bounds a single receive chunk.
	DefaultReadBufferSize = 1024

	// DefaultSendQueueSize is the number of pending writes a session accepts.
	DefaultSendQueueSize = 64
)

var (
	// ErrSendQueueFull is returned by Send when the session backlog is full.
	ErrSendQueueFull = errors.New("spp: send queue full")

	// ErrNoOpener is returned when a connect attempt has no strategy to run.
	ErrNoOpener = errors.New("spp: no open strategy configured")
)

// CRLF terminates text lines when a newline is requested.
var CRLF = []byte{0x0D, 0x0A}

// State is the connection state. Exactly one value holds at any instant.
type State uint8

const (
	// StateDisconnected indicates no attempt and no session exist.
	StateDisconnected State = iota

	// StateConnecting indicates a connect attempt is in flight.
	StateConnecting

	// StateConnected indicates an active session.
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Device is a resolved reference to a remote device.
//
// Address is required. Name is optional and only used for reporting.
type Device struct {
	Address string
	Name    string
}

// PeerIdentity describes the remote end of an established session.
type PeerIdentity struct {
	Name        string
	Address     string
	ConnectedAt time.Time
}

// Transport is an open bidirectional byte stream bound to one peer.
//
// Close must be safe to call from any goroutine and must unblock pending
// Read and Write calls.
type Transport interface {
	io.ReadWriteCloser
}

// Opener opens a Transport to a device using one strategy.
//
// Open may block. Cancelling ctx must interrupt it and close any partially
// created handle; the returned error then wraps ctx.Err().
type Opener interface {
	Open(ctx context.Context, dev Device) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, dev Device) (Transport, error)

// Open calls f(ctx, dev).
func (f OpenerFunc) Open(ctx context.Context, dev Device) (Transport, error) {
	return f(ctx, dev)
}
