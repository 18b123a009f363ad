package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/banshee-data/serial-sensors/internal/frame"
)

// BodyHeaderSize is the tag byte plus the 32-bit device timestamp.
const BodyHeaderSize = 5

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("decode error")

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// ResolveEncoding maps a frame format byte to an Encoding. Unspecified
// formats fall back to def.
func ResolveEncoding(f frame.Format, def Encoding) (Encoding, error) {
	switch f {
	case frame.FormatUnspecified:
		return def, nil
	case frame.FormatFixed:
		return EncodingFixed, nil
	case frame.FormatFloat:
		return EncodingFloat, nil
	default:
		return def, decodeErr("unsupported payload format 0x%02X", byte(f))
	}
}

// Decode parses a validated frame into a Record. It is a pure function of
// the frame and the default encoding. Clock and sequence fields are left for
// the correlator.
func Decode(f frame.Frame, def Encoding) (*Record, error) {
	body := f.Body
	if len(body) < BodyHeaderSize {
		return nil, decodeErr("body too short: %d bytes", len(body))
	}
	tag := body[0]
	rec := &Record{
		Kind:            KindForTag(tag),
		Tag:             tag,
		DeviceTimestamp: binary.LittleEndian.Uint32(body[1:BodyHeaderSize]),
	}
	payload := body[BodyHeaderSize:]

	enc, encErr := ResolveEncoding(f.Format, def)
	rec.Encoding = enc

	switch rec.Kind {
	case KindUnknown:
		// Unknown tags may come from a newer protocol revision, so an
		// unrecognised format byte is not held against them.
		rec.Payload = append([]byte(nil), payload...)
		return rec, nil

	case Identification:
		if len(payload) < 1 {
			return nil, decodeErr("identification payload empty")
		}
		text := payload[1:]
		if !utf8.Valid(text) {
			return nil, decodeErr("identification text is not valid UTF-8")
		}
		rec.IdentCode = IdentifierCode(payload[0])
		rec.IdentText = strings.TrimSpace(string(text))
		return rec, nil
	}

	if encErr != nil {
		return nil, encErr
	}
	values, err := decodeComponents(payload, rec.Kind.Arity(), enc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rec.Kind, err)
	}
	rec.Values = values
	return rec, nil
}

func decodeComponents(payload []byte, arity int, enc Encoding) ([]float64, error) {
	width := enc.Width()
	if want := arity * width; len(payload) != want {
		return nil, decodeErr("payload is %d bytes, want %d (%d x %s)", len(payload), want, arity, enc)
	}
	values := make([]float64, arity)
	for i := range values {
		chunk := payload[i*width : (i+1)*width]
		switch enc {
		case EncodingFloat:
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		default:
			values[i] = float64(int16(binary.LittleEndian.Uint16(chunk)))
		}
	}
	return values, nil
}
