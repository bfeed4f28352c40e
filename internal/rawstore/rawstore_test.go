package rawstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/trendscout/internal/domain"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), time.Second), mock
}

func TestSaveBatchCountsOnlyNewRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO raw_posts")
	mock.ExpectExec("INSERT INTO raw_posts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raw_posts").WillReturnResult(sqlmock.NewResult(0, 0)) // conflict
	mock.ExpectCommit()

	posts := []domain.RawPost{
		{ID: "new1", Source: "reddit", SubSource: "programming", Title: "t"},
		{ID: "dup1", Source: "reddit", SubSource: "programming", Title: "t"},
	}
	written, err := s.SaveBatch(context.Background(), posts)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchEmptyIsNoOp(t *testing.T) {
	s, _ := newMockStore(t)
	written, err := s.SaveBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestGetRoundTripsMetadata(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "source", "sub_source", "title", "body", "author", "score", "url", "created_at", "metadata"}
	mock.ExpectQuery("FROM raw_posts WHERE id").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p1", "reddit", "webdev", "title", "body", "alice", 42, "https://x", int64(1700000000), []byte(`{"flair":"help"}`)))

	post, err := s.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "webdev", post.SubSource)
	assert.Equal(t, 42, post.Score)
	assert.Equal(t, "help", post.Metadata["flair"])
}

func TestIDsPagesBySource(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM raw_posts").
		WithArgs("reddit", 2, 4).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t3_e").AddRow("t3_f"))

	ids, err := s.IDs(context.Background(), "reddit", 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3_e", "t3_f"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM raw_posts WHERE id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}
