package rfcomm

import (
	"context"

	"github.com/rs/zerolog/log"

	"bluetooth-serial/internal/spp"
)

// SocketOpener connects a raw RFCOMM socket to a fixed channel on the remote
// device.
//
// Secure requests an authenticated and encrypted link. An insecure opener
// leaves the link mode unset, which lets devices without pairing support
// connect.
type SocketOpener struct {
	Channel uint8
	Secure  bool
}

// Open connects to dev.Address. Cancelling ctx closes the socket and aborts
// the connect.
func (o *SocketOpener) Open(ctx context.Context, dev spp.Device) (spp.Transport, error) {
	ch := o.Channel
	if ch == 0 {
		ch = DefaultChannel
	}
	log.Debug().
		Str("address", dev.Address).
		Uint8("channel", ch).
		Bool("secure", o.Secure).
		Msg("rfcomm: connecting socket")
	return openSocket(ctx, dev.Address, ch, o.Secure)
}
