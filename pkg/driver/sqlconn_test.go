package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryql/quarryql/internal/errs"
)

func TestExecute_StreamsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(1, "a").
			AddRow(2, "b"))

	conn := NewSQLConnection(db, nil)
	it, err := conn.Execute(context.Background(), "SELECT id, name FROM t")
	require.NoError(t, err)
	defer it.Close()

	var got [][]any
	for it.Next(context.Background()) {
		row, err := it.Scan()
		require.NoError(t, err)
		got = append(got, row)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"id", "name"}, it.Columns())
	require.Len(t, got, 2)
}

func TestExecuteMany_CommitsAsOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	conn := NewSQLConnection(db, nil)
	err = conn.ExecuteMany(context.Background(), []string{"CREATE TABLE a", "CREATE TABLE b"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteMany_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	conn := NewSQLConnection(db, nil)
	err = conn.ExecuteMany(context.Background(), []string{"CREATE TABLE a"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrap_ClassifiesConnectionLost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection reset by peer"))

	conn := NewSQLConnection(db, func(error) errs.Kind { return errs.KindConnectionLost }).(*sqlConnection)
	_, err = conn.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.False(t, conn.Healthy())

	var ce ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errs.KindConnectionLost, ce.Kind())
}

func TestBulkInsert_InsertsEachRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO t")
	prep.ExpectExec().WithArgs(1, "a").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(2, "b").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	conn := NewSQLConnection(db, nil)
	rows := make(chan []any, 2)
	rows <- []any{1, "a"}
	rows <- []any{2, "b"}
	close(rows)

	err = conn.BulkInsert(context.Background(), "t", []string{"id", "name"}, rows)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
