package spp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// connector is one connect attempt. It runs the open strategies on its own
// goroutine and hands the opened transport to the controller without doing
// any I/O on it.
type connector struct {
	id       string
	c        *Controller
	dev      Device
	openers  []Opener
	ctx      context.Context
	cancelFn context.CancelFunc
}

func newConnector(c *Controller, dev Device, primary, fallback Opener) *connector {
	ctx, cancel := context.WithCancel(context.Background())
	var openers []Opener
	if primary != nil {
		openers = append(openers, primary)
	}
	if fallback != nil {
		openers = append(openers, fallback)
	}
	return &connector{
		id:       uuid.New().String(),
		c:        c,
		dev:      dev,
		openers:  openers,
		ctx:      ctx,
		cancelFn: cancel,
	}
}

// cancel interrupts a blocking open. Safe to call concurrently with run and
// more than once.
func (w *connector) cancel() {
	w.cancelFn()
}

func (w *connector) run() {
	defer w.c.wg.Done()
	defer w.cancelFn()

	t, err := w.open()
	if err != nil {
		w.c.connectFailed(w, err)
		return
	}
	if w.ctx.Err() != nil {
		log.Debug().Str("attempt", w.id).Msg("spp: attempt cancelled after open")
		_ = t.Close()
		return
	}
	w.c.connectSucceeded(w, t)
}

// open tries each strategy in order, then retries the last one once.
func (w *connector) open() (Transport, error) {
	if len(w.openers) == 0 {
		return nil, ErrNoOpener
	}

	var errs []error
	attempts := append(append([]Opener{}, w.openers...), w.openers[len(w.openers)-1])
	for i, o := range attempts {
		if err := w.ctx.Err(); err != nil {
			return nil, fmt.Errorf("spp: open cancelled: %w", err)
		}
		log.Debug().Str("attempt", w.id).Int("try", i+1).Str("address", w.dev.Address).Msg("spp: opening transport")
		t, err := o.Open(w.ctx, w.dev)
		if err == nil {
			if t == nil {
				err = errors.New("spp: opener returned no transport")
			} else {
				return guard(t), nil
			}
		}
		log.Debug().Str("attempt", w.id).Int("try", i+1).Err(err).Msg("spp: open failed")
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("spp: open %s: %w", w.dev.Address, errors.Join(errs...))
}
