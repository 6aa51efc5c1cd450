package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/meterreader/internal/lib/logger/sl"
	"github.com/speedwagon-io/meterreader/internal/model"
)

func newMockBuffer(t *testing.T) (*SQLiteBuffer, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS buffer").WillReturnResult(sqlmock.NewResult(0, 0))

	buf, err := newSQLiteBuffer(sl.NewDiscardLogger(), db)
	require.NoError(t, err)
	return buf, mock
}

func TestSQLiteBufferStore(t *testing.T) {
	buf, mock := newMockBuffer(t)

	e := model.NewEnvelope("home", "Home", "main", "Main", "123", true, true,
		[]model.DataPoint{{Name: "power", Value: 600.0, Unit: "W", Quality: model.QualityUnknown}})

	mock.ExpectExec("INSERT INTO buffer").
		WithArgs(e.ID, "home", "Home", "main", "Main", "123", true, true,
			sqlmock.AnyArg(), `[{"name":"power","value":600,"unit":"W","quality":"unknown"}]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, buf.Store(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteBufferStoreError(t *testing.T) {
	buf, mock := newMockBuffer(t)

	mock.ExpectExec("INSERT INTO buffer").WillReturnError(errors.New("disk I/O error"))

	err := buf.Store(context.Background(), &model.Envelope{ID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store envelope")
}

func TestSQLiteBufferGetPending(t *testing.T) {
	buf, mock := newMockBuffer(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	columns := []string{"id", "site_id", "site_name", "meter_id", "meter_name", "serial_number", "reachable", "stale", "timestamp", "values_json"}
	rows := sqlmock.NewRows(columns).
		AddRow("a", "home", "Home", "main", "Main", "123", true, false, ts.Format(time.RFC3339Nano), `[{"name":"power","value":600,"quality":"good"}]`).
		AddRow("b", "home", "Home", "main", "Main", "123", false, false, "not a time", `[]`).
		AddRow("c", "home", "Home", "garage", "Garage", "456", true, true, ts.Format(time.RFC3339Nano), `{broken`)

	mock.ExpectQuery("SELECT id, site_id").WithArgs(100).WillReturnRows(rows)

	envelopes, err := buf.GetPending(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, envelopes, 1, "rows that fail to decode are skipped")

	e := envelopes[0]
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, "123", e.SerialNumber)
	assert.True(t, e.Reachable)
	assert.False(t, e.Stale)
	assert.True(t, ts.Equal(e.Timestamp))
	require.Len(t, e.Values, 1)
	assert.Equal(t, "power", e.Values[0].Name)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteBufferMarkSent(t *testing.T) {
	buf, mock := newMockBuffer(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("DELETE FROM buffer WHERE id")
	prep.ExpectExec().WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, buf.MarkSent(context.Background(), []string{"a", "b"}))
	require.NoError(t, buf.MarkSent(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteBufferMarkSentRollsBack(t *testing.T) {
	buf, mock := newMockBuffer(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("DELETE FROM buffer WHERE id")
	prep.ExpectExec().WithArgs("a").WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err := buf.MarkSent(context.Background(), []string{"a"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteBufferCleanupAndCount(t *testing.T) {
	buf, mock := newMockBuffer(t)

	mock.ExpectExec("DELETE FROM buffer WHERE created_at").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))
	require.NoError(t, buf.Cleanup(context.Background(), time.Hour))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM buffer`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	count, err := buf.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	mock.ExpectClose()
	require.NoError(t, buf.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
