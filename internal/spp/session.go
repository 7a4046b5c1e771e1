package spp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// session owns one open transport: a receive loop and a writer draining the
// send queue, each on its own goroutine, plus a watcher that closes the
// transport once the session is cancelled.
type session struct {
	c       *Controller
	t       *handle
	bufSize int
	queue   chan []byte

	done       chan struct{}
	cancelOnce sync.Once
	failOnce   sync.Once
}

func newSession(c *Controller, t Transport, bufSize, queueSize int) *session {
	return &session{
		c:       c,
		t:       guard(t),
		bufSize: bufSize,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

// sessionGoroutines is the number of goroutines start launches.
const sessionGoroutines = 3

// start launches the loops. The caller accounts for them in c.wg.
func (s *session) start() {
	go s.watch()
	go s.readLoop()
	go s.writeLoop()
}

// cancel stops the session without blocking. The watcher closes the
// transport, which ends a blocked read or write through its error path.
func (s *session) cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}

// enqueue hands data to the writer without blocking.
func (s *session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.queue <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() { s.c.sessionFailed(s, err) })
}

func (s *session) watch() {
	defer s.c.wg.Done()
	<-s.done
	_ = s.t.Close()
}

func (s *session) readLoop() {
	defer s.c.wg.Done()

	buf := make([]byte, s.bufSize)
	for {
		n, err := s.t.Read(buf)
		if n > 0 {
			s.c.dataReceived(s, bytes.Clone(buf[:n]))
		}
		if err != nil {
			_ = s.t.Close()
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("spp: remote closed: %w", err)
			} else {
				err = fmt.Errorf("spp: read: %w", err)
			}
			s.fail(err)
			return
		}
	}
}

func (s *session) writeLoop() {
	defer s.c.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			if _, err := s.t.Write(data); err != nil {
				s.fail(fmt.Errorf("spp: write: %w", err))
				return
			}
			s.c.dataSent(s, data)
		}
	}
}
