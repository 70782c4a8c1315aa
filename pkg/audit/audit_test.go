package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gk2work/identaur/pkg/audit"
	"github.com/gk2work/identaur/pkg/clock"
	"github.com/gk2work/identaur/pkg/model"
)

func newMockJournal(t *testing.T) (*audit.Journal, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sdb := sqlx.NewDb(db, "sqlmock")
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	j := audit.New(sdb, clk, nil)
	return j, mock, func() { db.Close() }
}

func TestAppendRejectsCallerTimestamp(t *testing.T) {
	j, _, done := newMockJournal(t)
	defer done()

	_, err := j.Append(context.Background(), model.AuditEvent{Timestamp: time.Now()})
	assert.ErrorIs(t, err, audit.ErrTimestampNotAllowed)
}

func TestAppendStampsTimestampAndInsertsRow(t *testing.T) {
	j, mock, done := newMockJournal(t)
	defer done()

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := j.Append(context.Background(), model.AuditEvent{
		EventKind:    model.EventIdentityIssued,
		ActorID:      "system",
		ActorKind:    model.ActorSystem,
		ResourceID:   "id-1",
		ResourceKind: "identity",
		Action:       "issue",
		Success:      true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAppliesFilterAndReturnsTotal(t *testing.T) {
	j, mock, done := newMockJournal(t)
	defer done()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	cols := []string{"event_id", "event_kind", "timestamp", "actor_id", "actor_kind",
		"resource_id", "resource_kind", "action", "details", "ip", "user_agent", "success", "error_message"}
	rows := sqlmock.NewRows(cols).AddRow("evt-1", "identity-issued", time.Now(), "system", "system",
		"id-1", "identity", "issue", `{}`, nil, nil, true, nil)

	mock.ExpectQuery("SELECT (.+) FROM audit_events").
		WithArgs("id-1", 20, 0).
		WillReturnRows(rows)

	events, total, err := j.Query(context.Background(), audit.Filter{ResourceID: "id-1"}, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].EventID)
}

func TestExportCSVProducesStableColumnOrder(t *testing.T) {
	j, mock, done := newMockJournal(t)
	defer done()

	cols := []string{"event_id", "event_kind", "timestamp", "actor_id", "actor_kind",
		"resource_id", "resource_kind", "action", "details", "ip", "user_agent", "success", "error_message"}
	rows := sqlmock.NewRows(cols).AddRow("evt-1", "identity-issued",
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), "system", "system",
		"id-1", "identity", "issue", `{"k":"v"}`, "1.2.3.4", nil, true, nil)

	mock.ExpectQuery("SELECT (.+) FROM audit_events").WillReturnRows(rows)

	out, err := j.ExportCSV(context.Background(), audit.Filter{})
	require.NoError(t, err)
	content := string(out)
	assert.Contains(t, content, "timestamp,event_kind,actor_id,actor_kind,resource_id,resource_kind,action,success,ip,error,details")
	assert.Contains(t, content, "2026-01-01T12:00:00Z")
	assert.Contains(t, content, "Yes")
}
