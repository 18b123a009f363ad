// Package sensor decodes validated frame bodies into typed sensor records.
//
// A frame body is laid out as
//
//	tag (u8) | device timestamp (u32 LE) | payload
//
// The payload shape depends on the tag. Vector and scalar kinds carry a fixed
// number of components, encoded either as int16 (fixed-point) or float32
// depending on the frame's format byte. Identification carries a code byte
// followed by UTF-8 text. Unknown tags keep their payload verbatim.
package sensor

import (
	"fmt"

	"github.com/banshee-data/serial-sensors/internal/frame"
)

// Kind is the semantic category of a record.
type Kind int

const (
	KindUnknown Kind = iota
	Accelerometer
	Gyroscope
	Magnetometer
	Temperature
	Quaternion
	Heading
	EulerAngles
	Identification
)

// Wire tags for the known kinds.
const (
	TagAccelerometer  byte = 0x01
	TagGyroscope      byte = 0x02
	TagMagnetometer   byte = 0x03
	TagTemperature    byte = 0x04
	TagQuaternion     byte = 0x05
	TagHeading        byte = 0x06
	TagEulerAngles    byte = 0x07
	TagIdentification byte = 0x08
)

var kindByTag = map[byte]Kind{
	TagAccelerometer:  Accelerometer,
	TagGyroscope:      Gyroscope,
	TagMagnetometer:   Magnetometer,
	TagTemperature:    Temperature,
	TagQuaternion:     Quaternion,
	TagHeading:        Heading,
	TagEulerAngles:    EulerAngles,
	TagIdentification: Identification,
}

// KindForTag maps a wire tag to its Kind, KindUnknown if unrecognised.
func KindForTag(tag byte) Kind {
	if k, ok := kindByTag[tag]; ok {
		return k
	}
	return KindUnknown
}

// Tag returns the wire tag of a known kind; zero for KindUnknown.
func (k Kind) Tag() byte {
	for tag, kind := range kindByTag {
		if kind == k {
			return tag
		}
	}
	return 0
}

// Arity returns the number of numeric components for vector and scalar
// kinds, zero for variable-shape kinds.
func (k Kind) Arity() int {
	switch k {
	case Accelerometer, Gyroscope, Magnetometer, EulerAngles:
		return 3
	case Temperature, Heading:
		return 1
	case Quaternion:
		return 4
	default:
		return 0
	}
}

// Short is the stem used for output file names.
func (k Kind) Short() string {
	switch k {
	case Accelerometer:
		return "acc"
	case Gyroscope:
		return "gyro"
	case Magnetometer:
		return "mag"
	case Temperature:
		return "temp"
	case Quaternion:
		return "quat"
	case Heading:
		return "heading"
	case EulerAngles:
		return "euler"
	case Identification:
		return "ident"
	default:
		return "unknown"
	}
}

func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Gyroscope:
		return "gyroscope"
	case Magnetometer:
		return "magnetometer"
	case Temperature:
		return "temperature"
	case Quaternion:
		return "quaternion"
	case Heading:
		return "heading"
	case EulerAngles:
		return "euler_angles"
	case Identification:
		return "identification"
	default:
		return "unknown"
	}
}

// FieldNames returns the payload column names for k.
func (k Kind) FieldNames() []string {
	switch k {
	case Accelerometer, Gyroscope, Magnetometer, EulerAngles:
		return []string{"x", "y", "z"}
	case Temperature:
		return []string{"temp"}
	case Heading:
		return []string{"heading"}
	case Quaternion:
		return []string{"a", "b", "c", "d"}
	case Identification:
		return []string{"code", "value"}
	default:
		return []string{"payload_hex"}
	}
}

// Encoding is the numeric encoding of payload components.
type Encoding int

const (
	EncodingFixed Encoding = iota
	EncodingFloat
)

// Width returns the encoded size of one component in bytes.
func (e Encoding) Width() int {
	if e == EncodingFloat {
		return 4
	}
	return 2
}

func (e Encoding) String() string {
	if e == EncodingFloat {
		return "float"
	}
	return "fixed"
}

// Format returns the frame format byte selecting e.
func (e Encoding) Format() frame.Format {
	if e == EncodingFloat {
		return frame.FormatFloat
	}
	return frame.FormatFixed
}

// ParseEncoding parses "fixed" or "float".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "fixed", "":
		return EncodingFixed, nil
	case "float":
		return EncodingFloat, nil
	default:
		return EncodingFixed, fmt.Errorf("unknown encoding %q: expected fixed or float", s)
	}
}

// IdentifierCode qualifies an Identification record.
type IdentifierCode byte

const (
	IdentGeneric IdentifierCode = iota
	IdentMaker
	IdentProduct
	IdentRevision
)

func (c IdentifierCode) String() string {
	switch c {
	case IdentGeneric:
		return "generic"
	case IdentMaker:
		return "maker"
	case IdentProduct:
		return "product"
	case IdentRevision:
		return "revision"
	default:
		return fmt.Sprintf("ident(0x%02X)", byte(c))
	}
}

// MarshalText renders kinds by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// MarshalText renders encodings by name in JSON output.
func (e Encoding) MarshalText() ([]byte, error) { return []byte(e.String()), nil }
