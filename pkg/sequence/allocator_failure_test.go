package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockAllocator(t *testing.T) (*Allocator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sequence_counters").
		WillReturnResult(sqlmock.NewResult(0, 0))
	a, err := NewAllocator(db)
	require.NoError(t, err)
	return a, mock
}

func TestNextBeginFailure(t *testing.T) {
	a, mock := mockAllocator(t)
	mock.ExpectBegin().WillReturnError(errors.New("db gone"))

	_, err := a.Next(context.Background(), invoiceKey())
	assert.ErrorContains(t, err, "begin sequence tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextCommitFailure(t *testing.T) {
	a, mock := mockAllocator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT next_value FROM sequence_counters").
		WithArgs("001", "001", "01").
		WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(7))
	mock.ExpectExec("UPDATE sequence_counters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	_, err := a.Next(context.Background(), invoiceKey())
	assert.ErrorContains(t, err, "commit sequence tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextInsertRaceAdvancesExistingCounter(t *testing.T) {
	a, mock := mockAllocator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT next_value FROM sequence_counters").
		WithArgs("001", "001", "01").
		WillReturnRows(sqlmock.NewRows([]string{"next_value"}))
	mock.ExpectExec("INSERT INTO sequence_counters").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT next_value FROM sequence_counters").
		WithArgs("001", "001", "01").
		WillReturnRows(sqlmock.NewRows([]string{"next_value"}).AddRow(4))
	mock.ExpectExec("UPDATE sequence_counters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := a.Next(context.Background(), invoiceKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextQueryFailure(t *testing.T) {
	a, mock := mockAllocator(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT next_value FROM sequence_counters").
		WillReturnError(errors.New("table locked"))
	mock.ExpectRollback()

	_, err := a.Next(context.Background(), invoiceKey())
	assert.ErrorContains(t, err, "read counter")
	assert.NoError(t, mock.ExpectationsWereMet())
}
