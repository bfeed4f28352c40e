package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestInsertReturnsDuplicateError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO posts").
		WithArgs("abc", "reddit", nil, string(domain.StatusUnprocessed)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Insert(context.Background(), &domain.EnrichedPost{ID: "abc", Source: "reddit"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrDuplicate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDefaultsStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO posts").
		WithArgs("abc", "reddit", nil, string(domain.StatusUnprocessed)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	post := &domain.EnrichedPost{ID: "abc", Source: "reddit"}
	require.NoError(t, repo.Insert(context.Background(), post))
	assert.Equal(t, domain.StatusUnprocessed, post.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	mock.ExpectQuery("SELECT acquire_post_lock").
		WithArgs("abc", 300).
		WillReturnRows(sqlmock.NewRows([]string{"acquire_post_lock"}).AddRow(true))

	ok, err := repo.AcquireLock(context.Background(), "abc", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT acquire_post_lock").
		WithArgs("abc", 300).
		WillReturnRows(sqlmock.NewRows([]string{"acquire_post_lock"}).AddRow(false))

	ok, err = repo.AcquireLock(context.Background(), "abc", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedIncrementsRetryInOneTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT increment_retry").
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"increment_retry"}).AddRow(2))
	mock.ExpectExec("UPDATE posts").
		WithArgs("abc", string(domain.StatusFailed), "stage blew up").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	retries, err := repo.MarkFailed(context.Background(), "abc", "stage blew up")
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedMissingPost(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	mock.ExpectExec("UPDATE posts").
		WithArgs("ghost", string(domain.StatusProcessed)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkProcessed(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestListUnprocessedFiltersRetries(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	mock.ExpectQuery("SELECT id, source FROM posts").
		WithArgs(string(domain.StatusUnprocessed), string(domain.StatusFailed), 3, 25).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source"}).
			AddRow("a", "reddit").AddRow("b", "reddit"))

	candidates, err := repo.ListUnprocessed(context.Background(), 3, 25)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, store.QueueCandidate{ID: "a", Source: "reddit"}, candidates[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostsRepo(db, time.Second)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
			AddRow("processed", 10).
			AddRow("failed", 2))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), counts[domain.StatusProcessed])
	assert.Equal(t, int64(2), counts[domain.StatusFailed])
}
