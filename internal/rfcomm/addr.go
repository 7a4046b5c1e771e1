// Package rfcomm opens RFCOMM transports for the Serial Port Profile: raw
// AF_BLUETOOTH sockets in secure or insecure link mode, and RFCOMM TTY devices
// bound with rfcomm(1).
package rfcomm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultChannel is the RFCOMM channel most SPP devices listen on.
const DefaultChannel uint8 = 1

// ErrUnsupported is returned where raw RFCOMM sockets are not available.
var ErrUnsupported = errors.New("rfcomm: sockets not supported on this platform")

// ParseAddr parses "XX:XX:XX:XX:XX:XX" into the little-endian byte order
// used by the kernel's bdaddr_t.
func ParseAddr(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("rfcomm: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("rfcomm: invalid address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("rfcomm: invalid address %q: %w", s, err)
		}
		out[5-i] = byte(b)
	}
	return out, nil
}

// FormatAddr is the inverse of ParseAddr.
func FormatAddr(a [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}
