// Package frame recovers protocol frames from a raw serial byte stream.
//
// A frame on the wire looks like:
//
//	A5 5A | format | len | body (len bytes) | crc32 (LE)
//
// where the CRC-32 (IEEE) covers the format byte, the length byte and the
// body. The body itself is opaque to this package; see package sensor for the
// body layout.
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	Magic0 byte = 0xA5
	Magic1 byte = 0x5A

	// HeaderSize covers the two magic bytes, the format byte and the length byte.
	HeaderSize = 4
	// TrailerSize is the size of the CRC-32 trailer.
	TrailerSize = 4
	// Overhead is the number of non-body bytes in every frame.
	Overhead = HeaderSize + TrailerSize

	// MaxBodySize is bounded by the single-byte length field.
	MaxBodySize = 0xFF
)

// Format selects how numeric payload fields are encoded.
type Format byte

const (
	// FormatUnspecified leaves the choice to the configured default.
	FormatUnspecified Format = 0x00
	// FormatFixed encodes each component as a little-endian int16.
	FormatFixed Format = 0x01
	// FormatFloat encodes each component as a little-endian IEEE-754 float32.
	FormatFloat Format = 0x02
)

func (f Format) String() string {
	switch f {
	case FormatUnspecified:
		return "unspecified"
	case FormatFixed:
		return "fixed"
	case FormatFloat:
		return "float"
	default:
		return fmt.Sprintf("format(0x%02X)", byte(f))
	}
}

// Frame is one checksum-valid protocol message. Raw holds the complete
// original frame bytes including magic and CRC; Body aliases into Raw.
// Frames handed out by the Synchronizer own their bytes.
type Frame struct {
	// Offset is the absolute stream offset of the first magic byte.
	Offset int64
	Format Format
	Body   []byte
	Raw    []byte
}

// Len returns the total size of the frame on the wire.
func (f Frame) Len() int { return len(f.Raw) }

// Checksum computes the frame CRC over the format byte, length byte and body.
func Checksum(format Format, body []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte{byte(format), byte(len(body))})
	h.Write(body)
	return h.Sum32()
}

// Encode builds a complete wire frame around body.
func Encode(format Format, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("frame body too large: %d bytes (max %d)", len(body), MaxBodySize)
	}
	out := make([]byte, 0, Overhead+len(body))
	out = append(out, Magic0, Magic1, byte(format), byte(len(body)))
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, Checksum(format, body))
	return out, nil
}

// MustEncode is like Encode but panics on error. Intended for fixtures.
func MustEncode(format Format, body []byte) []byte {
	b, err := Encode(format, body)
	if err != nil {
		panic(err)
	}
	return b
}
