package async

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/codeload/errors"
)

func TestStore_ClaimWrapsDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE jobs").WillReturnError(sql.ErrConnDone)

	store := NewStore(db)
	_, err = store.Claim(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrConnDone), "worker relies on ErrConnDone surviving the wrap")
	assert.Contains(t, err.Error(), "failed to claim job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE jobs").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := NewStore(db).Claim(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransitionOnNonRunningJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewStore(db).MarkCompleted(context.Background(), "job-1", nil, 0, time.Now())
	assert.True(t, errors.Is(err, ErrJobNotRunning))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertReportsSkip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	job, err := NewJob("k", "load_codes", 5, CategoryBackground, 3, time.Now())
	require.NoError(t, err)

	inserted, err := NewStore(db).InsertIfNoActive(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}
