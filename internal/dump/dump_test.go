package dump

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/frame"
	"github.com/banshee-data/serial-sensors/internal/fsutil"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/testutil"
)

var host = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func accel(seq uint64, ts uint32, x, y, z float64) *sensor.Record {
	return &sensor.Record{
		Kind:            sensor.Accelerometer,
		Tag:             sensor.TagAccelerometer,
		Encoding:        sensor.EncodingFixed,
		DeviceTimestamp: ts,
		DeviceTicks:     uint64(ts),
		HostTimestamp:   host.Add(time.Duration(seq) * time.Millisecond),
		Sequence:        seq,
		Values:          []float64{x, y, z},
	}
}

func readCSV(t *testing.T, fsys *fsutil.MemoryFileSystem, path string) [][]string {
	t.Helper()
	data, err := fsys.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRow(t *testing.T) {
	tests := []struct {
		name string
		rec  *sensor.Record
		want []string
	}{
		{
			name: "vector",
			rec: func() *sensor.Record {
				r := accel(7, 1000, 1, -2, 3)
				r.DeviceTime = host.Add(time.Millisecond)
				return r
			}(),
			want: []string{"1000", "1000", "2024-03-01T12:00:00.001Z", "2024-03-01T12:00:00.007Z", "7", "fixed", "1", "-2", "3"},
		},
		{
			name: "float scalar",
			rec: &sensor.Record{
				Kind: sensor.Temperature, Encoding: sensor.EncodingFloat,
				DeviceTimestamp: 5, DeviceTicks: 1<<32 + 5, HostTimestamp: host, Sequence: 2,
				Values: []float64{21.5},
			},
			want: []string{"5", "4294967301", "", "2024-03-01T12:00:00Z", "2", "float", "21.5"},
		},
		{
			name: "identification",
			rec: &sensor.Record{
				Kind: sensor.Identification, HostTimestamp: host, Sequence: 3,
				IdentCode: sensor.IdentMaker, IdentText: "ACME, Inc.",
			},
			want: []string{"0", "0", "", "2024-03-01T12:00:00Z", "3", "fixed", "maker", "ACME, Inc."},
		},
		{
			name: "unknown",
			rec: &sensor.Record{
				Kind: sensor.KindUnknown, Tag: 0x42, HostTimestamp: host, Sequence: 4,
				Payload: []byte{0xDE, 0xAD},
			},
			want: []string{"0", "0", "", "2024-03-01T12:00:00Z", "4", "fixed", "dead"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Row(tt.rec)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Row() mismatch (-want +got):\n%s", diff)
			}
			if len(got) != len(Header(tt.rec.Kind)) {
				t.Errorf("row has %d columns, header has %d", len(got), len(Header(tt.rec.Kind)))
			}
		})
	}
}

func TestHeader(t *testing.T) {
	want := []string{"device_timestamp", "device_ticks", "device_time", "host_timestamp", "sequence_number", "encoding", "a", "b", "c", "d"}
	if diff := cmp.Diff(want, Header(sensor.Quaternion)); diff != "" {
		t.Errorf("Header mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVSink_OneFilePerStream(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sink, err := NewCSVSink(fsys, "/out")
	require.NoError(t, err)
	ctx := context.Background()

	unknown := &sensor.Record{Kind: sensor.KindUnknown, Tag: 0x7f, HostTimestamp: host, Payload: []byte{1}}
	for _, d := range []dispatch.Delivery{
		dispatch.RecordDelivery(accel(1, 10, 1, 2, 3)),
		dispatch.EventDelivery(dispatch.SynchronizationLost(3, true)),
		dispatch.RecordDelivery(unknown),
		dispatch.RecordDelivery(accel(2, 20, 4, 5, 6)),
		dispatch.EventDelivery(dispatch.StreamEnded("end of stream")),
	} {
		require.NoError(t, sink.Accept(ctx, d))
	}

	rows := readCSV(t, fsys, "/out/acc.csv")
	require.Len(t, rows, 3)
	assert.Equal(t, Header(sensor.Accelerometer), rows[0])
	assert.Equal(t, []string{"1", "2", "3"}, rows[1][6:])
	assert.Equal(t, []string{"4", "5", "6"}, rows[2][6:])

	rows = readCSV(t, fsys, "/out/unknown-7f.csv")
	require.Len(t, rows, 2)
	assert.Equal(t, "payload_hex", rows[0][6])

	require.NoError(t, sink.Close())
	assert.Equal(t, map[string]uint64{"/out/acc.csv": 2, "/out/unknown-7f.csv": 1}, sink.Rows())
}

func TestCSVSink_AppendsWithoutSecondHeader(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	ctx := context.Background()

	for i := uint64(1); i <= 2; i++ {
		sink, err := NewCSVSink(fsys, "/out")
		require.NoError(t, err)
		require.NoError(t, sink.Accept(ctx, dispatch.RecordDelivery(accel(i, uint32(i), 0, 0, 0))))
		require.NoError(t, sink.Close())
	}

	rows := readCSV(t, fsys, "/out/acc.csv")
	require.Len(t, rows, 3)
	assert.Equal(t, "device_timestamp", rows[0][0])
	assert.Equal(t, "1", rows[1][4])
	assert.Equal(t, "2", rows[2][4])
}

func TestCSVSink_EmptyExistingFileGetsHeader(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("/out", 0o755))
	require.NoError(t, fsys.WriteFile("/out/acc.csv", nil, 0o644))

	sink, err := NewCSVSink(fsys, "/out")
	require.NoError(t, err)
	require.NoError(t, sink.Accept(context.Background(), dispatch.RecordDelivery(accel(1, 1, 0, 0, 0))))
	require.NoError(t, sink.Close())

	rows := readCSV(t, fsys, "/out/acc.csv")
	require.Len(t, rows, 2)
	assert.Equal(t, Header(sensor.Accelerometer), rows[0])
}

func TestCSVSink_WriteFailure(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sink, err := NewCSVSink(fsys, "/out")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sink.Accept(ctx, dispatch.RecordDelivery(accel(1, 1, 0, 0, 0))))
	diskFull := errors.New("no space left on device")
	fsys.FailWrites(diskFull)

	err = sink.Accept(ctx, dispatch.EventDelivery(dispatch.StreamEnded("x")))
	assert.ErrorIs(t, err, diskFull)
	assert.Error(t, sink.Close())
}

func TestCSVSink_OnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "csv")
	sink, err := NewCSVSink(nil, dir)
	require.NoError(t, err)
	require.NoError(t, sink.Accept(context.Background(), dispatch.RecordDelivery(accel(1, 1, 1, 1, 1))))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "acc.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "device_timestamp,device_ticks,"))
}

func frameDelivery(raw []byte) dispatch.Delivery {
	return dispatch.FrameDelivery(&frame.Frame{Raw: raw})
}

func TestRawSink_Plain(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sink, err := NewRawSink(fsys, "raw.bin")
	require.NoError(t, err)
	ctx := context.Background()

	f1 := testutil.AccelFrame(t, 1, 1, 2, 3)
	f2 := testutil.IdentFrame(2, sensor.IdentProduct, "imu")
	require.NoError(t, sink.Accept(ctx, frameDelivery(f1)))
	require.NoError(t, sink.Accept(ctx, dispatch.RecordDelivery(accel(1, 1, 1, 2, 3))))
	require.NoError(t, sink.Accept(ctx, frameDelivery(f2)))

	// Buffered until the stream ends.
	data, _ := fsys.ReadFile("raw.bin")
	assert.Empty(t, data)

	require.NoError(t, sink.Accept(ctx, dispatch.EventDelivery(dispatch.StreamEnded("done"))))
	data, _ = fsys.ReadFile("raw.bin")
	assert.Equal(t, testutil.Concat(f1, f2), data)

	frames, n := sink.Written()
	assert.Equal(t, uint64(2), frames)
	assert.Equal(t, uint64(len(f1)+len(f2)), n)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Accept(ctx, frameDelivery(f1)))
}

func TestRawSink_GzipAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "raw.bin.gz")
	ctx := context.Background()

	var want [][]byte
	for run := 0; run < 2; run++ {
		sink, err := NewRawSink(fsutil.OSFileSystem{}, path)
		require.NoError(t, err)
		f := testutil.AccelFrame(t, uint32(run), int16(run), 0, 0)
		want = append(want, f)
		require.NoError(t, sink.Accept(ctx, frameDelivery(f)))
		require.NoError(t, sink.Close())
	}

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, testutil.Concat(want...), got)
}

func TestIsGzipPath(t *testing.T) {
	assert.True(t, IsGzipPath("x.bin.gz"))
	assert.True(t, IsGzipPath("X.GZ"))
	assert.False(t, IsGzipPath("x.bin"))
}
