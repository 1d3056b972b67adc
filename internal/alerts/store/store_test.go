package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/telemetry-backbone/internal/alerts"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(db), mock
}

func TestEnsureSchema_RunsDDLOnceThenSkips(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS alert_samples").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("idx_alert_samples_client_ts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("idx_alert_samples_dedup").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	// Second call must not re-issue any statement; no further expectations
	// are queued, so sqlmock would fail the test if it tried.
	require.NoError(t, s.EnsureSchema(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfNotRecent_ReturnsSavedRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	id := uuid.New()

	cols := []string{"id", "client_id", "site", "timestamp", "tag_name", "value", "desvio", "alerts_count", "unidade", "recipients", "created_at"}
	rows := sqlmock.NewRows(cols).AddRow(id, "clientA", "recepcao", now, "T1", 12.5, "HH", 3, "C", []byte(`["ops@site"]`), now)
	mock.ExpectQuery("INSERT INTO alert_samples").WillReturnRows(rows)

	sample := alerts.Sample{ID: id, ClientID: "clientA", Site: "recepcao", Timestamp: now, TagName: "T1", Value: 12.5, Desvio: "HH", AlertsCount: 3, Unidade: "C", Recipients: []string{"ops@site"}}
	saved, err := s.InsertIfNotRecent(context.Background(), sample, 5*time.Minute)

	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "clientA", saved.ClientID)
	assert.Equal(t, []string{"ops@site"}, saved.Recipients)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfNotRecent_SuppressedReturnsNil(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO alert_samples").WillReturnError(sql.ErrNoRows)

	saved, err := s.InsertIfNotRecent(context.Background(), alerts.Sample{ID: uuid.New()}, time.Minute)

	require.NoError(t, err)
	assert.Nil(t, saved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByFilters_AppliesClientFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	cols := []string{"id", "client_id", "site", "timestamp", "tag_name", "value", "desvio", "alerts_count", "unidade", "recipients", "created_at"}
	rows := sqlmock.NewRows(cols).AddRow(uuid.New(), "clientA", "recepcao", now, "T1", 1.0, "L", 1, "C", []byte(`[]`), now)
	mock.ExpectQuery("SELECT (.+) FROM alert_samples WHERE 1=1 AND client_id = .*").WillReturnRows(rows)

	out, err := s.FindByFilters(context.Background(), alerts.Filters{ClientID: "clientA", Limit: 10})

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "clientA", out[0].ClientID)
}

func TestIsUndefinedTable_MatchesSQLSTATE42P01(t *testing.T) {
	assert.False(t, IsUndefinedTable(nil))
	assert.False(t, IsUndefinedTable(context.DeadlineExceeded))
}
