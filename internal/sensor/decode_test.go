package sensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serial-sensors/internal/frame"
)

func mustFrame(t *testing.T, format frame.Format, body []byte) frame.Frame {
	t.Helper()
	raw, err := frame.Encode(format, body)
	require.NoError(t, err)
	return frame.Frame{Format: format, Body: raw[frame.HeaderSize : frame.HeaderSize+len(body)], Raw: raw}
}

func TestDecode_KnownKinds(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		enc    Encoding
		values []float64
	}{
		{"accelerometer fixed", Accelerometer, EncodingFixed, []float64{100, -50, 900}},
		{"gyroscope float", Gyroscope, EncodingFloat, []float64{0.5, -1.25, 3}},
		{"magnetometer fixed", Magnetometer, EncodingFixed, []float64{-32768, 0, 32767}},
		{"temperature fixed", Temperature, EncodingFixed, []float64{2150}},
		{"temperature float", Temperature, EncodingFloat, []float64{21.5}},
		{"quaternion float", Quaternion, EncodingFloat, []float64{1, 0, 0, 0}},
		{"quaternion fixed", Quaternion, EncodingFixed, []float64{16384, 0, -16384, 0}},
		{"heading float", Heading, EncodingFloat, []float64{270.5}},
		{"euler float", EulerAngles, EncodingFloat, []float64{0.25, 0.5, 0.75}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := EncodeVector(tt.kind, tt.enc, 1234, tt.values...)
			require.NoError(t, err)

			rec, err := Decode(mustFrame(t, tt.enc.Format(), body), EncodingFixed)
			require.NoError(t, err)

			want := &Record{
				Kind:            tt.kind,
				Tag:             tt.kind.Tag(),
				Encoding:        tt.enc,
				DeviceTimestamp: 1234,
				Values:          tt.values,
			}
			if diff := cmp.Diff(want, rec); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_UnspecifiedFormatUsesDefault(t *testing.T) {
	body, err := EncodeVector(Accelerometer, EncodingFloat, 1, 1.5, 2.5, 3.5)
	require.NoError(t, err)
	f := mustFrame(t, frame.FormatUnspecified, body)

	rec, err := Decode(f, EncodingFloat)
	require.NoError(t, err)
	assert.Equal(t, EncodingFloat, rec.Encoding)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, rec.Values)

	// Interpreted as fixed-point, 12 payload bytes cannot hold 3 components.
	_, err = Decode(f, EncodingFixed)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecode_UnknownTagPreserved(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	f := mustFrame(t, frame.Format(0x7E), Body(0x42, 99, payload))

	rec, err := Decode(f, EncodingFixed)
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, rec.Kind)
	assert.Equal(t, byte(0x42), rec.Tag)
	assert.Equal(t, uint32(99), rec.DeviceTimestamp)
	assert.Equal(t, payload, rec.Payload)
	assert.Equal(t, "unknown-42", rec.Stem())

	// The record must not alias the frame buffer.
	f.Body[BodyHeaderSize] = 0
	assert.Equal(t, byte(0xDE), rec.Payload[0])
}

func TestDecode_Identification(t *testing.T) {
	f := mustFrame(t, frame.FormatUnspecified, EncodeIdentification(7, IdentProduct, "LSM303DLHC  "))

	rec, err := Decode(f, EncodingFixed)
	require.NoError(t, err)
	assert.Equal(t, Identification, rec.Kind)
	assert.Equal(t, IdentProduct, rec.IdentCode)
	assert.Equal(t, "LSM303DLHC", rec.IdentText)
	assert.Empty(t, rec.Values)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format frame.Format
		body   []byte
	}{
		{"body too short", frame.FormatFixed, []byte{TagAccelerometer, 1, 2}},
		{"field count mismatch", frame.FormatFixed, Body(TagAccelerometer, 1, []byte{1, 0, 2, 0})},
		{"trailing bytes", frame.FormatFixed, Body(TagTemperature, 1, []byte{1, 0, 2})},
		{"unsupported format", frame.Format(0x09), Body(TagTemperature, 1, []byte{1, 0})},
		{"empty identification", frame.FormatFixed, Body(TagIdentification, 1, nil)},
		{"invalid utf8", frame.FormatFixed, Body(TagIdentification, 1, []byte{0, 0xFF, 0xFE})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode(mustFrame(t, tt.format, tt.body), EncodingFixed)
			assert.Nil(t, rec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode), "error %v should wrap ErrDecode", err)
		})
	}
}

func TestEncodeVector_Validation(t *testing.T) {
	_, err := EncodeVector(Identification, EncodingFixed, 0)
	assert.Error(t, err)
	_, err = EncodeVector(Accelerometer, EncodingFixed, 0, 1, 2)
	assert.Error(t, err)
	_, err = EncodeVector(Temperature, EncodingFixed, 0, 1.5)
	assert.Error(t, err)
	_, err = EncodeVector(Temperature, EncodingFixed, 0, 40000)
	assert.Error(t, err)
}

func TestKind_Metadata(t *testing.T) {
	for tag := 0; tag < 256; tag++ {
		k := KindForTag(byte(tag))
		if k == KindUnknown {
			continue
		}
		assert.Equal(t, byte(tag), k.Tag())
		if k != Identification {
			assert.Len(t, k.FieldNames(), k.Arity(), "kind %s", k)
		}
	}
	assert.Equal(t, "acc", Accelerometer.Short())
	assert.Equal(t, "unknown", KindUnknown.String())

	enc, err := ParseEncoding("float")
	require.NoError(t, err)
	assert.Equal(t, EncodingFloat, enc)
	_, err = ParseEncoding("q8.8")
	assert.Error(t, err)
}
