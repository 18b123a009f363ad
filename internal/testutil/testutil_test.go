package testutil

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/banshee-data/serial-sensors/internal/frame"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestAssertStatusCode_FailurePath(t *testing.T) {
	t.Parallel()

	ok := t.Run("status mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusOK, http.StatusBadRequest)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status code")
	}
}

func TestLocalRequest(t *testing.T) {
	req := LocalRequest(http.MethodGet, "/debug/", nil)
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
}

func TestGarbage_NoMagic(t *testing.T) {
	g := Garbage(10_000, 1)
	if bytes.IndexByte(g, frame.Magic0) >= 0 {
		t.Fatal("garbage contains the first magic byte")
	}
	if !bytes.Equal(g, Garbage(10_000, 1)) {
		t.Fatal("garbage is not deterministic")
	}
}

func TestAccelFrame_Layout(t *testing.T) {
	b := AccelFrame(t, 1000, 100, -50, 900)
	if len(b) != frame.Overhead+5+6 {
		t.Fatalf("len = %d", len(b))
	}
	if b[0] != frame.Magic0 || b[1] != frame.Magic1 || b[3] != 11 {
		t.Fatalf("unexpected header % x", b[:4])
	}
}

func TestChunkReader(t *testing.T) {
	data := Concat([]byte("hello "), []byte("world"))
	r := ChunkReader(data, 4)

	var reads int
	var out bytes.Buffer
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		if n > 4 {
			t.Fatalf("read %d bytes, cap is 4", n)
		}
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		reads++
	}
	if out.String() != "hello world" {
		t.Errorf("got %q", out.String())
	}
	if reads != 3 {
		t.Errorf("reads = %d, want 3", reads)
	}
}
