package sink

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaincdc/relay/internal/cdc"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "pgx")
	return NewPostgresFromDB(sqlxDB), mock
}

func TestPostgres_CommitForward_InsertsOnePerEventAndCommits(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cdc_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	batch := cdc.Batch{{
		Header:  cdc.Header{Source: "test"},
		Payload: cdc.Payload{Operation: cdc.Create, Table: "accounts", Key: "a1", After: &cdc.StructuredValue{"n": 1}},
	}}
	err := p.CommitForward(t.Context(), 5, [32]byte{0xaa}, batch)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitForward_RollsBackOnInsertError(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cdc_events").WillReturnError(assertErr)
	mock.ExpectRollback()

	batch := cdc.Batch{{
		Header:  cdc.Header{Source: "test"},
		Payload: cdc.Payload{Operation: cdc.Create, Table: "accounts", Key: "a1", After: &cdc.StructuredValue{"n": 1}},
	}}
	err := p.CommitForward(t.Context(), 5, [32]byte{0xaa}, batch)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

type testErr string

func (e testErr) Error() string { return string(e) }

var assertErr = testErr("insert failed")
