package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/state"
)

// Repo stores audit events in audit.db.
type Repo struct {
	path string
	db   *sql.DB
}

// NewRepo creates a Repo for the database at path. Call Open before use.
func NewRepo(path string) *Repo {
	return &Repo{path: path}
}

// Open creates the parent directory, opens the database and migrates it.
func (r *Repo) Open() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("audit repo mkdir: %w", err)
	}
	db, err := state.OpenAuditDB(r.path)
	if err != nil {
		return fmt.Errorf("audit repo open: %w", err)
	}
	r.db = db
	return nil
}

// Close closes the database.
func (r *Repo) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// InsertBatch inserts events in a single transaction and returns the
// number of rows written. Events already stored are ignored; any other row
// failure rolls the whole batch back.
func (r *Repo) InsertBatch(events []Event) (int, error) {
	if r.db == nil {
		return 0, fmt.Errorf("audit repo: not open")
	}
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("audit repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO audit_events (
		id, type, ts_ns, hostname, proxy_aet, remote_aet, source_aet, calling_aet,
		study_iuid, patient_id, objects, bytes, sop_classes,
		first_at_ns, last_at_ns, elapsed_ns, failure_kind
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("audit repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range events {
		e := &events[i]
		classes, err := json.Marshal(nonNil(e.SOPClasses))
		if err != nil {
			log.Printf("[audit] skip event id=%q: %v", e.ID, err)
			continue
		}
		_, err = stmt.Exec(
			e.ID, string(e.Type), e.At.UnixNano(), e.Hostname,
			e.ProxyAET, e.RemoteAET, e.SourceAET, e.CallingAET,
			e.StudyIUID, e.PatientID, e.Objects, e.Bytes, string(classes),
			unixNano(e.FirstAt), unixNano(e.LastAt), int64(e.Elapsed), string(e.Failure),
		)
		if err != nil {
			return 0, fmt.Errorf("audit repo insert %s: %w", e.ID, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit repo commit: %w", err)
	}
	return inserted, nil
}

// ListFilter selects audit events. Zero values do not filter.
type ListFilter struct {
	Type      EventType
	ProxyAET  string
	RemoteAET string
	StudyIUID string
	After     time.Time
	Before    time.Time
	Limit     int
	Offset    int
}

// List returns matching events, newest first.
func (r *Repo) List(f ListFilter) ([]Event, error) {
	if r.db == nil {
		return nil, fmt.Errorf("audit repo: not open")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := max(f.Offset, 0)

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.ProxyAET != "" {
		add("proxy_aet = ?", f.ProxyAET)
	}
	if f.RemoteAET != "" {
		add("remote_aet = ?", f.RemoteAET)
	}
	if f.StudyIUID != "" {
		add("study_iuid = ?", f.StudyIUID)
	}
	if !f.After.IsZero() {
		add("ts_ns > ?", f.After.UnixNano())
	}
	if !f.Before.IsZero() {
		add("ts_ns < ?", f.Before.UnixNano())
	}

	q := `SELECT id, type, ts_ns, hostname, proxy_aet, remote_aet, source_aet, calling_aet,
		study_iuid, patient_id, objects, bytes, sop_classes,
		first_at_ns, last_at_ns, elapsed_ns, failure_kind FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ns DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit repo list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                        Event
			typ, classes, failure    string
			ts, first, last, elapsed int64
		)
		if err := rows.Scan(&e.ID, &typ, &ts, &e.Hostname, &e.ProxyAET, &e.RemoteAET, &e.SourceAET, &e.CallingAET,
			&e.StudyIUID, &e.PatientID, &e.Objects, &e.Bytes, &classes,
			&first, &last, &elapsed, &failure); err != nil {
			return nil, fmt.Errorf("audit repo scan: %w", err)
		}
		e.Type = EventType(typ)
		e.At = time.Unix(0, ts).UTC()
		e.FirstAt = fromUnixNano(first)
		e.LastAt = fromUnixNano(last)
		e.Elapsed = time.Duration(elapsed)
		e.Failure = dimse.FailureKind(failure)
		if err := json.Unmarshal([]byte(classes), &e.SOPClasses); err != nil {
			log.Printf("[audit] event id=%q: bad sop_classes: %v", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
