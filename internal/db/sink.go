package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/sensor"
	"github.com/banshee-data/serial-sensors/internal/timeutil"
)

// DefaultBatchSize is the number of rows written per transaction.
const DefaultBatchSize = 256

// SinkOptions configures a Sink.
type SinkOptions struct {
	BatchSize int
	Clock     timeutil.Clock
}

// Sink writes records and events of one session. Rows are committed in
// batches, and on StreamEnded and Close.
type Sink struct {
	db      *DB
	session Session
	opts    SinkOptions

	mu        sync.Mutex
	tx        *sql.Tx
	recStmt   *sql.Stmt
	evStmt    *sql.Stmt
	pending   int
	records   int64
	events    int64
	endReason string
	closed    bool
}

// NewSink starts a session and returns a sink writing into it. The caller
// keeps ownership of db.
func NewSink(ctx context.Context, db *DB, info SessionInfo, opts SinkOptions) (*Sink, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	session, err := db.StartSession(ctx, info, opts.Clock.Now())
	if err != nil {
		return nil, err
	}
	return &Sink{db: db, session: session, opts: opts}, nil
}

// Session returns the session this sink writes into.
func (s *Sink) Session() Session { return s.session }

// Accepts is the delivery mask the sink should be registered with.
func (s *Sink) Accepts() dispatch.Accepts {
	return dispatch.AcceptRecords | dispatch.AcceptEvents
}

// Accept stores a record or event.
func (s *Sink) Accept(ctx context.Context, d dispatch.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("db sink closed")
	}
	if d.Record == nil && d.Event == nil {
		return nil
	}
	if err := s.begin(); err != nil {
		return err
	}

	switch {
	case d.Record != nil:
		if err := s.insertRecord(ctx, d.Record); err != nil {
			return err
		}
		s.records++
	case d.Event != nil:
		if err := s.insertEvent(ctx, d.Event); err != nil {
			return err
		}
		s.events++
		if d.IsStreamEnd() {
			s.endReason = d.Event.Reason
			return s.commit()
		}
	}

	s.pending++
	if s.pending >= s.opts.BatchSize {
		return s.commit()
	}
	return nil
}

// begin opens a transaction if none is active. The transaction outlives the
// worker context so a cancelled delivery cannot roll back committed batches.
func (s *Sink) begin() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	recStmt, err := tx.Prepare(`INSERT INTO records (
			session_id, sequence, kind, tag, encoding, device_timestamp, device_ticks,
			host_timestamp, values_json, ident_code, ident_text, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare record insert: %w", err)
	}
	evStmt, err := tx.Prepare(`INSERT INTO events (
			session_id, type, at, bytes_discarded, recovered, reason, sequence,
			sink_id, dropped, total_dropped
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare event insert: %w", err)
	}
	s.tx, s.recStmt, s.evStmt = tx, recStmt, evStmt
	return nil
}

func (s *Sink) commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx, s.recStmt, s.evStmt, s.pending = nil, nil, nil, 0
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Sink) insertRecord(ctx context.Context, rec *sensor.Record) error {
	var (
		values    sql.NullString
		identCode sql.NullInt64
		identText sql.NullString
	)
	if len(rec.Values) > 0 {
		b, err := json.Marshal(rec.Values)
		if err != nil {
			return fmt.Errorf("encode values: %w", err)
		}
		values = sql.NullString{String: string(b), Valid: true}
	}
	if rec.Kind == sensor.Identification {
		identCode = sql.NullInt64{Int64: int64(rec.IdentCode), Valid: true}
		identText = sql.NullString{String: rec.IdentText, Valid: true}
	}
	_, err := s.recStmt.ExecContext(ctx,
		s.session.ID, int64(rec.Sequence), rec.Kind.String(), int(rec.Tag), rec.Encoding.String(),
		int64(rec.DeviceTimestamp), int64(rec.DeviceTicks), formatTime(rec.HostTimestamp),
		values, identCode, identText, rec.Payload)
	if err != nil {
		return fmt.Errorf("insert record %d: %w", rec.Sequence, err)
	}
	return nil
}

func (s *Sink) insertEvent(ctx context.Context, e *dispatch.Event) error {
	_, err := s.evStmt.ExecContext(ctx,
		s.session.ID, e.Type.String(), formatTime(e.At), e.BytesDiscarded, e.Recovered, e.Reason,
		int64(e.Sequence), e.SinkID, int64(e.Dropped), int64(e.TotalDropped))
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

// Close commits pending rows and marks the session ended. It does not close
// the database.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.commit()
	reason := s.endReason
	if reason == "" {
		reason = "closed"
	}
	endErr := s.db.EndSession(context.Background(), s.session.ID, reason, s.opts.Clock.Now(), s.records, s.events)
	return errors.Join(err, endErr)
}

// Written reports the rows written so far, committed or not.
func (s *Sink) Written() (records, events int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, s.events
}
