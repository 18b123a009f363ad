package sensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/serial-sensors/internal/frame"
)

// Body assembles a frame body from its parts.
func Body(tag byte, deviceTimestamp uint32, payload []byte) []byte {
	b := make([]byte, 0, BodyHeaderSize+len(payload))
	b = append(b, tag)
	b = binary.LittleEndian.AppendUint32(b, deviceTimestamp)
	return append(b, payload...)
}

// EncodeVector builds the body of a vector or scalar record. Fixed-point
// values must be integral and fit in an int16.
func EncodeVector(kind Kind, enc Encoding, deviceTimestamp uint32, values ...float64) ([]byte, error) {
	if kind.Arity() == 0 {
		return nil, fmt.Errorf("%s is not a vector kind", kind)
	}
	if len(values) != kind.Arity() {
		return nil, fmt.Errorf("%s takes %d components, got %d", kind, kind.Arity(), len(values))
	}
	payload := make([]byte, 0, len(values)*enc.Width())
	for _, v := range values {
		switch enc {
		case EncodingFloat:
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(float32(v)))
		default:
			if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
				return nil, fmt.Errorf("value %v does not fit a fixed-point component", v)
			}
			payload = binary.LittleEndian.AppendUint16(payload, uint16(int16(v)))
		}
	}
	return Body(kind.Tag(), deviceTimestamp, payload), nil
}

// EncodeIdentification builds the body of an identification record.
func EncodeIdentification(deviceTimestamp uint32, code IdentifierCode, text string) []byte {
	payload := append([]byte{byte(code)}, text...)
	return Body(TagIdentification, deviceTimestamp, payload)
}

// EncodeFrame wraps a vector record into a complete wire frame.
func EncodeFrame(kind Kind, enc Encoding, deviceTimestamp uint32, values ...float64) ([]byte, error) {
	body, err := EncodeVector(kind, enc, deviceTimestamp, values...)
	if err != nil {
		return nil, err
	}
	return frame.Encode(enc.Format(), body)
}
