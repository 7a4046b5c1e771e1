package spp

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DecodeText maps every byte to the character with the same code point
// (ISO-8859-1). No multi-byte sequences are interpreted.
func DecodeText(raw []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		// ISO-8859-1 covers every byte value.
		return string(raw)
	}
	return string(out)
}

// EncodeText is the inverse of DecodeText. Characters above U+00FF are
// replaced.
func EncodeText(text string) []byte {
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())
	out, err := enc.Bytes([]byte(text))
	if err != nil {
		return []byte(text)
	}
	return out
}
