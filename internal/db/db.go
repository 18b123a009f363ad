// Package db stores decoded records and control events in SQLite, one
// session per ingestion run.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/serial-sensors/internal/dispatch"
	"github.com/banshee-data/serial-sensors/internal/monitoring"
	"github.com/banshee-data/serial-sensors/internal/sensor"
)

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if necessary) the database at path and migrates it
// to the latest schema.
func Open(path string) (*DB, error) {
	db, err := OpenWithoutMigrations(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenWithoutMigrations opens the database leaving the schema untouched,
// for the migrate command.
func OpenWithoutMigrations(path string) (*DB, error) {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// SessionInfo describes where a session's data came from.
type SessionInfo struct {
	Source          string
	PortOptions     string
	DefaultEncoding sensor.Encoding
}

// Session is one row of the sessions table.
type Session struct {
	ID              string     `json:"session_id"`
	Source          string     `json:"source"`
	PortOptions     string     `json:"port_options"`
	DefaultEncoding string     `json:"default_encoding"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	RecordsWritten  int64      `json:"records_written"`
	EventsWritten   int64      `json:"events_written"`
}

// StartSession inserts a new session with a fresh UUID.
func (db *DB) StartSession(ctx context.Context, info SessionInfo, at time.Time) (Session, error) {
	s := Session{
		ID:              uuid.NewString(),
		Source:          info.Source,
		PortOptions:     info.PortOptions,
		DefaultEncoding: info.DefaultEncoding.String(),
		StartedAt:       at.UTC(),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source, port_options, default_encoding, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Source, s.PortOptions, s.DefaultEncoding, formatTime(s.StartedAt))
	if err != nil {
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// EndSession records when and why a session ended, with its final counts.
func (db *DB) EndSession(ctx context.Context, id, reason string, at time.Time, records, events int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ?, records_written = ?, events_written = ?
		 WHERE session_id = ?`,
		formatTime(at), reason, records, events, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return nil
}

// Sessions lists sessions, most recent first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, source, port_options, default_encoding, started_at, ended_at,
		        COALESCE(end_reason, ''), records_written, events_written
		 FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Source, &s.PortOptions, &s.DefaultEncoding, &started, &ended,
			&s.EndReason, &s.RecordsWritten, &s.EventsWritten); err != nil {
			return nil, err
		}
		if s.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("session %s started_at: %w", s.ID, err)
		}
		if ended.Valid {
			t, err := parseTime(ended.String)
			if err != nil {
				return nil, fmt.Errorf("session %s ended_at: %w", s.ID, err)
			}
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Records returns up to limit records of a session in sequence order. An
// empty stem returns every stream.
func (db *DB) Records(ctx context.Context, sessionID, kind string, limit int) ([]*sensor.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT sequence, tag, encoding, device_timestamp, device_ticks, host_timestamp,
		        values_json, ident_code, ident_text, payload
		 FROM records
		 WHERE session_id = ? AND (? = '' OR kind = ?)
		 ORDER BY sequence LIMIT ?`,
		sessionID, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sensor.Record
	for rows.Next() {
		var (
			rec       sensor.Record
			tag       int
			enc, host string
			ticks     int64
			values    sql.NullString
			code      sql.NullInt64
			text      sql.NullString
		)
		if err := rows.Scan(&rec.Sequence, &tag, &enc, &rec.DeviceTimestamp, &ticks, &host,
			&values, &code, &text, &rec.Payload); err != nil {
			return nil, err
		}
		rec.Tag = byte(tag)
		rec.Kind = sensor.KindForTag(rec.Tag)
		rec.DeviceTicks = uint64(ticks)
		if rec.Encoding, err = sensor.ParseEncoding(enc); err != nil {
			return nil, err
		}
		if rec.HostTimestamp, err = parseTime(host); err != nil {
			return nil, err
		}
		if values.Valid {
			if err := json.Unmarshal([]byte(values.String), &rec.Values); err != nil {
				return nil, fmt.Errorf("record %d values: %w", rec.Sequence, err)
			}
		}
		rec.IdentCode = sensor.IdentifierCode(code.Int64)
		rec.IdentText = text.String
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Events returns the events of a session in insertion order.
func (db *DB) Events(ctx context.Context, sessionID string) ([]dispatch.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT type, at, bytes_discarded, recovered, reason, sequence, sink_id, dropped, total_dropped
		 FROM events WHERE session_id = ? ORDER BY event_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Event
	for rows.Next() {
		var (
			e   dispatch.Event
			typ string
			at  string
		)
		if err := rows.Scan(&typ, &at, &e.BytesDiscarded, &e.Recovered, &e.Reason, &e.Sequence,
			&e.SinkID, &e.Dropped, &e.TotalDropped); err != nil {
			return nil, err
		}
		if e.Type, err = dispatch.ParseEventType(typ); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql on /debug/tailsql/ and a gzip backup
// download on /debug/backup.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Sensor DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("serial-sensors-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Warnf("failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")
		zw := gzip.NewWriter(w)
		defer zw.Close()
		if _, err := io.Copy(zw, backupFile); err != nil {
			monitoring.Errorf("backup download failed: %v", err)
		}
	}))
	return nil
}
