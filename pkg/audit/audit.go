// Package audit implements the immutable Audit Journal (SPEC_FULL.md
// §4.9): append-only events with automatic server-side timestamping,
// filtered pagination, and a stable-column CSV export. There is no
// update or delete operation.
package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/model"
)

// ErrTimestampNotAllowed is returned when a caller supplies a
// Timestamp on an event to Append; the Journal always stamps events
// with the wall clock at append time.
var ErrTimestampNotAllowed = errors.New("audit: caller-supplied timestamp is not allowed")

// Filter narrows Query results. Zero-valued fields are unconstrained.
type Filter struct {
	ResourceID string
	ActorID    string
	EventKind  model.AuditEventKind
	From       *time.Time
	To         *time.Time
}

// Journal persists audit_events rows.
type Journal struct {
	db  *sqlx.DB
	clk clock.Clock
	log *zap.Logger
}

// New builds a Journal over db.
func New(db *sqlx.DB, clk clock.Clock, log *zap.Logger) *Journal {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{db: db, clk: clk, log: log}
}

// Append writes an immutable event and returns its generated id.
// event.Timestamp must be the zero value — the Journal is the sole
// source of the append-time timestamp.
func (j *Journal) Append(ctx context.Context, event model.AuditEvent) (string, error) {
	if !event.Timestamp.IsZero() {
		return "", ErrTimestampNotAllowed
	}
	event.EventID = uuid.NewString()
	event.Timestamp = j.clk.Now()

	details, err := json.Marshal(event.Details)
	if err != nil {
		return "", fmt.Errorf("audit: marshal details: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(event_id, event_kind, timestamp, actor_id, actor_kind, resource_id, resource_kind, action, details, ip, user_agent, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.EventID, string(event.EventKind), event.Timestamp, event.ActorID, string(event.ActorKind),
		event.ResourceID, event.ResourceKind, event.Action, details,
		nullableString(event.IP), nullableString(event.UserAgent), event.Success, nullableString(event.Error),
	)
	if err != nil {
		return "", fmt.Errorf("audit: insert event: %w", err)
	}
	j.log.Debug("audit event appended", zap.String("event_id", event.EventID), zap.String("event_kind", string(event.EventKind)))
	return event.EventID, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// buildWhere renders the WHERE clause and arg list shared by Query and
// ExportCSV, in a stable $1.. parameter order.
func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id = "+next(f.ResourceID))
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id = "+next(f.ActorID))
	}
	if f.EventKind != "" {
		clauses = append(clauses, "event_kind = "+next(string(f.EventKind)))
	}
	if f.From != nil {
		clauses = append(clauses, "timestamp >= "+next(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "timestamp <= "+next(*f.To))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (model.AuditEvent, error) {
	var (
		e          model.AuditEvent
		eventKind  string
		actorKind  string
		details    []byte
		ip         sql.NullString
		userAgent  sql.NullString
		errMessage sql.NullString
	)
	if err := row.Scan(&e.EventID, &eventKind, &e.Timestamp, &e.ActorID, &actorKind,
		&e.ResourceID, &e.ResourceKind, &e.Action, &details, &ip, &userAgent, &e.Success, &errMessage); err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: scan event: %w", err)
	}
	e.EventKind = model.AuditEventKind(eventKind)
	e.ActorKind = model.ActorKind(actorKind)
	e.IP = ip.String
	e.UserAgent = userAgent.String
	e.Error = errMessage.String
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return model.AuditEvent{}, fmt.Errorf("audit: unmarshal details: %w", err)
		}
	}
	return e, nil
}

const selectEventColumns = `event_id, event_kind, timestamp, actor_id, actor_kind, resource_id, resource_kind, action, details, ip, user_agent, success, error_message`

// Query returns matching events newest-first plus the total match
// count, independent of the requested page.
func (j *Journal) Query(ctx context.Context, filter Filter, page, size int) ([]model.AuditEvent, int, error) {
	if size <= 0 {
		size = 20
	}
	if page < 0 {
		page = 0
	}
	where, args := buildWhere(filter)

	var total int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count events: %w", err)
	}

	pagedArgs := append(append([]interface{}{}, args...), size, page*size)
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+selectEventColumns+` FROM audit_events`+where+
			fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2),
		pagedArgs...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

var csvColumns = []string{
	"timestamp", "event_kind", "actor_id", "actor_kind", "resource_id",
	"resource_kind", "action", "success", "ip", "error", "details",
}

// ExportCSV renders every event matching filter (unpaged) in the
// stable column order SPEC_FULL.md §4.9 names.
func (j *Journal) ExportCSV(ctx context.Context, filter Filter) ([]byte, error) {
	where, args := buildWhere(filter)
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+selectEventColumns+` FROM audit_events`+where+` ORDER BY timestamp DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events for export: %w", err)
	}
	defer rows.Close()

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, fmt.Errorf("audit: write csv header: %w", err)
	}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		success := "No"
		if e.Success {
			success = "Yes"
		}
		if err := w.Write([]string{
			e.Timestamp.UTC().Format(time.RFC3339), string(e.EventKind), e.ActorID, string(e.ActorKind),
			e.ResourceID, e.ResourceKind, e.Action, success, e.IP, e.Error, stringifyDetails(e.Details),
		}); err != nil {
			return nil, fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: flush csv: %w", err)
	}
	return []byte(buf.String()), nil
}

func stringifyDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(encoded)
}
