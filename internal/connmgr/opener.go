package connmgr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"bluetooth-serial/internal/spp"
)

// ProfileOpener opens SPP connections through BlueZ's profile API. BlueZ
// performs the SDP lookup, so no channel is needed.
type ProfileOpener struct {
	Mgr Mgr
}

// Open resolves dev.Address to a known device and connects its SPP profile.
func (o *ProfileOpener) Open(ctx context.Context, dev spp.Device) (spp.Transport, error) {
	if o.Mgr == nil {
		return nil, fmt.Errorf("connmgr: profile opener has no manager")
	}
	d, err := o.Mgr.Resolve(ctx, dev.Address)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("address", dev.Address).Str("path", d.Path).Msg("connmgr: connecting profile")
	fd, err := o.Mgr.Connect(ctx, d)
	if err != nil {
		return nil, err
	}
	t, err := newFileTransport(fd, dev.Address)
	if err != nil {
		return nil, err
	}
	return t, nil
}
