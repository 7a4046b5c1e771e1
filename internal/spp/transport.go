package spp

import (
	"sync"
)

// handle makes Close idempotent for transports whose Close is not.
type handle struct {
	Transport
	once sync.Once
	err  error
}

func guard(t Transport) *handle {
	if h, ok := t.(*handle); ok {
		return h
	}
	return &handle{Transport: t}
}

func (h *handle) Close() error {
	h.once.Do(func() {
		h.err = h.Transport.Close()
	})
	return h.err
}
