//go:build !linux

package rfcomm

import (
	"context"

	"bluetooth-serial/internal/spp"
)

func openSocket(context.Context, string, uint8, bool) (spp.Transport, error) {
	return nil, ErrUnsupported
}
