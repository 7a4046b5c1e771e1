package btserial

import (
	"errors"
	"fmt"

	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/rfcomm"
	"bluetooth-serial/internal/spp"
)

// ErrUnknownStrategy is returned for a strategy name OpenerFor does not know.
var ErrUnknownStrategy = errors.New("btserial: unknown connect strategy")

// OpenerFor builds the open strategy called name. An empty name yields a nil
// Opener, which leaves that slot unused.
//
//nolint:gocritic // config struct copied for immutability
func OpenerFor(name string, conn config.Connect, mgr connmgr.Mgr) (spp.Opener, error) {
	switch name {
	case config.StrategyNone:
		return nil, nil
	case config.StrategyProfile:
		if mgr == nil {
			return nil, errors.New("btserial: profile strategy needs a device manager")
		}
		return &connmgr.ProfileOpener{Mgr: mgr}, nil
	case config.StrategySecure:
		return &rfcomm.SocketOpener{Channel: conn.Channel, Secure: true}, nil
	case config.StrategyInsecure:
		return &rfcomm.SocketOpener{Channel: conn.Channel}, nil
	case config.StrategyTTY:
		if conn.TTYPath == "" {
			return nil, errors.New("btserial: tty strategy needs tty_path")
		}
		return rfcomm.NewTTYOpener(conn.TTYPath, conn.BaudRate), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
