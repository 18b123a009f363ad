// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/sensor"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LocalRequest creates an httptest request that appears to come from
// localhost, which tsweb's debug handlers require.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// VectorFrame builds a complete wire frame for a vector or scalar kind.
func VectorFrame(t testing.TB, kind sensor.Kind, enc sensor.Encoding, ts uint32, values ...float64) []byte {
	t.Helper()
	b, err := sensor.EncodeFrame(kind, enc, ts, values...)
	if err != nil {
		t.Fatalf("encode %s frame: %v", kind, err)
	}
	return b
}

// AccelFrame builds a fixed-point accelerometer frame.
func AccelFrame(t testing.TB, ts uint32, x, y, z int16) []byte {
	t.Helper()
	return VectorFrame(t, sensor.Accelerometer, sensor.EncodingFixed, ts, float64(x), float64(y), float64(z))
}

// IdentFrame builds an identification frame.
func IdentFrame(ts uint32, code sensor.IdentifierCode, text string) []byte {
	return frame.MustEncode(frame.FormatUnspecified, sensor.EncodeIdentification(ts, code, text))
}

// RawFrame wraps an arbitrary body, for frames that pass the checksum but
// fail to decode.
func RawFrame(format frame.Format, tag byte, ts uint32, payload []byte) []byte {
	return frame.MustEncode(format, sensor.Body(tag, ts, payload))
}

// Garbage returns n deterministic pseudo-random bytes containing no magic
// marker, so they can never start a false frame candidate.
func Garbage(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		b := byte(rng.Intn(256))
		if b == frame.Magic0 {
			b = 0x00
		}
		out[i] = b
	}
	return out
}

// Concat joins byte slices.
func Concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// ChunkReader returns a reader that hands out data at most size bytes per
// Read, to exercise frames split across reads.
func ChunkReader(data []byte, size int) io.Reader {
	return &chunkReader{data: data, size: size}
}

type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}
