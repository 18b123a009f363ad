package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/testutil"
	"github.com/banshee-data/serial-sensors/internal/timeutil"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sensors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous) // NORMAL
}

func TestMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestSchemaVersion), version)
	assert.False(t, dirty)

	// Idempotent.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestSchemaVersion), version)
}

func TestOpenWithoutMigrations(t *testing.T) {
	db, err := OpenWithoutMigrations(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestSink_WritesSession(t *testing.T) {
	db := openTestDB(t)
	clock := timeutil.NewMockClock(t0)
	ctx := context.Background()

	sink, err := NewSink(ctx, db, SessionInfo{
		Source:          "/dev/ttyACM0",
		PortOptions:     "1000000 8N1",
		DefaultEncoding: sensor.EncodingFloat,
	}, SinkOptions{BatchSize: 2, Clock: clock})
	require.NoError(t, err)
	_, err = uuid.Parse(sink.Session().ID)
	require.NoError(t, err)

	acc := &sensor.Record{
		Kind: sensor.Accelerometer, Tag: sensor.TagAccelerometer, Encoding: sensor.EncodingFixed,
		DeviceTimestamp: 100, DeviceTicks: 1<<32 + 100, HostTimestamp: t0, Sequence: 1,
		Values: []float64{1, -2, 3},
	}
	ident := &sensor.Record{
		Kind: sensor.Identification, Tag: sensor.TagIdentification, Encoding: sensor.EncodingFloat,
		DeviceTimestamp: 101, DeviceTicks: 101, HostTimestamp: t0.Add(time.Millisecond), Sequence: 2,
		IdentCode: sensor.IdentProduct, IdentText: "imu-9",
	}
	unknown := &sensor.Record{
		Kind: sensor.KindUnknown, Tag: 0x42, DeviceTimestamp: 102, DeviceTicks: 102,
		HostTimestamp: t0.Add(2 * time.Millisecond), Sequence: 4, Payload: []byte{0xBE, 0xEF},
	}
	lost := dispatch.SynchronizationLost(3, true)
	lost.At = t0
	decodeErr := dispatch.DecodeError("unknown format 0x07", 3)
	decodeErr.At = t0
	ended := dispatch.StreamEnded("end of stream")
	ended.At = t0.Add(time.Second)

	for _, d := range []dispatch.Delivery{
		dispatch.RecordDelivery(acc),
		dispatch.EventDelivery(lost),
		dispatch.RecordDelivery(ident),
		dispatch.EventDelivery(decodeErr),
		dispatch.RecordDelivery(unknown),
		dispatch.EventDelivery(ended),
	} {
		require.NoError(t, sink.Accept(ctx, d))
	}

	records, err := db.Records(ctx, sink.Session().ID, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, acc.Values, records[0].Values)
	assert.Equal(t, acc.DeviceTicks, records[0].DeviceTicks)
	assert.True(t, acc.HostTimestamp.Equal(records[0].HostTimestamp))
	assert.Equal(t, sensor.Accelerometer, records[0].Kind)
	assert.Equal(t, "imu-9", records[1].IdentText)
	assert.Equal(t, sensor.IdentProduct, records[1].IdentCode)
	assert.Equal(t, sensor.EncodingFloat, records[1].Encoding)
	assert.Equal(t, sensor.KindUnknown, records[2].Kind)
	assert.Equal(t, byte(0x42), records[2].Tag)
	assert.Equal(t, []byte{0xBE, 0xEF}, records[2].Payload)

	only, err := db.Records(ctx, sink.Session().ID, "accelerometer", 10)
	require.NoError(t, err)
	assert.Len(t, only, 1)

	events, err := db.Events(ctx, sink.Session().ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, dispatch.EventSynchronizationLost, events[0].Type)
	assert.Equal(t, 3, events[0].BytesDiscarded)
	assert.True(t, events[0].Recovered)
	assert.Equal(t, uint64(3), events[1].Sequence)
	assert.Equal(t, "end of stream", events[2].Reason)

	clock.Advance(2 * time.Second)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Error(t, sink.Accept(ctx, dispatch.RecordDelivery(acc)))

	sessions, err := db.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "/dev/ttyACM0", s.Source)
	assert.Equal(t, "float", s.DefaultEncoding)
	assert.Equal(t, "end of stream", s.EndReason)
	require.NotNil(t, s.EndedAt)
	assert.True(t, s.EndedAt.Equal(t0.Add(2*time.Second)))
	assert.Equal(t, int64(3), s.RecordsWritten)
	assert.Equal(t, int64(3), s.EventsWritten)
}

func TestSink_CloseCommitsPartialBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sink, err := NewSink(ctx, db, SessionInfo{Source: "replay"}, SinkOptions{})
	require.NoError(t, err)

	rec := &sensor.Record{Kind: sensor.Temperature, Tag: sensor.TagTemperature, HostTimestamp: t0, Sequence: 1, Values: []float64{21}}
	require.NoError(t, sink.Accept(ctx, dispatch.RecordDelivery(rec)))
	records, _ := sink.Written()
	assert.Equal(t, int64(1), records)
	require.NoError(t, sink.Close())

	got, err := db.Records(ctx, sink.Session().ID, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	sessions, err := db.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "closed", sessions[0].EndReason)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalRequest(http.MethodGet, "/debug/backup", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}
