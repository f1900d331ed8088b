package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/contracts"
)

func TestPostgresStore_Put(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	r := &contracts.ProvenanceReceipt{
		RunID: "r1", CaseID: "c1", ActionID: "a1",
		Seq: 1, PrevReceiptHash: contracts.GenesisPrevHash, ReceiptHash: "h1",
		SealedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO receipts").
		WithArgs("r1", "c1", "a1", uint64(1), "h1", contracts.GenesisPrevHash, "", r.SealedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Put(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnError(&pq.Error{Code: "23505"})

	err = s.Put(context.Background(), &contracts.ProvenanceReceipt{RunID: "r1"})
	assert.ErrorIs(t, err, contracts.ErrReceiptExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	mock.ExpectQuery("SELECT body FROM receipts").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, contracts.ErrUnknownAction)
}

func TestPostgresStore_ListCase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	rows := sqlmock.NewRows([]string{"body"}).
		AddRow([]byte(`{"run_id":"r1","case_id":"c1","seq":1}`)).
		AddRow([]byte(`{"run_id":"r2","case_id":"c1","seq":2}`))
	mock.ExpectQuery("SELECT body FROM receipts WHERE case_id").
		WithArgs("c1").
		WillReturnRows(rows)

	got, err := s.ListCase(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].RunID)
	assert.Equal(t, uint64(2), got[1].Seq)
}
