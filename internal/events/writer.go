// Package events is the extraction journal: one row per webhook extraction
// with its outcome. Records themselves are never stored.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types written by the server.
const (
	TypeCompleted = "extraction.completed"
	TypeFailed    = "extraction.failed"
)

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
	Payload   string `json:"payload_json,omitempty"`
}

type EventPayload map[string]any

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, source, requestID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,source,request_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, source, requestID, string(data))
	return err
}

// Latest returns up to limit events, newest first, optionally filtered by
// type and source. A positive before restricts results to ids below it.
func (w Writer) Latest(ctx context.Context, limit int, before int64, evtType, source string) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, source)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,source,request_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return w.query(ctx, query, args...)
}

// After returns up to limit events with id greater than cursor, oldest first.
func (w Writer) After(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.query(ctx, `SELECT id,ts,type,source,request_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestID returns the highest event id, 0 for an empty journal.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (w Writer) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Event{}
	for rows.Next() {
		var e Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Source, &e.RequestID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
