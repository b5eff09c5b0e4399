package textindex

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgresUpsert(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO indexed_files`).
		WithArgs("wf/a.py", "x = 1", "h1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Upsert(context.Background(), "wf/a.py", "x = 1", "h1", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT path, content, content_hash, updated_at`).
		WithArgs("wf/a.py").
		WillReturnRows(sqlmock.NewRows([]string{"path", "content", "content_hash", "updated_at"}).
			AddRow("wf/a.py", "x = 1", "h1", now))

	row, err := p.Get(context.Background(), "wf/a.py")
	require.NoError(t, err)
	assert.Equal(t, "wf/a.py", row.Path)
	assert.Equal(t, "x = 1", row.Content)
	assert.Equal(t, "h1", row.ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissing(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(`SELECT path, content, content_hash, updated_at`).
		WithArgs("wf/nope.py").
		WillReturnRows(sqlmock.NewRows([]string{"path", "content", "content_hash", "updated_at"}))

	_, err := p.Get(context.Background(), "wf/nope.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresDelete(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec(`DELETE FROM indexed_files`).
		WithArgs("wf/a.py").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Delete(context.Background(), "wf/a.py"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScan(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT path, content, content_hash, updated_at`).
		WithArgs("wf/", 2).
		WillReturnRows(sqlmock.NewRows([]string{"path", "content", "content_hash", "updated_at"}).
			AddRow("wf/a.py", "a", "ha", now).
			AddRow("wf/b.py", "b", "hb", now))

	rows, err := p.Scan(context.Background(), "wf/", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "wf/a.py", rows[0].Path)
	assert.Equal(t, "wf/b.py", rows[1].Path)
}

func TestPostgresScanDefaultLimit(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(`SELECT path, content, content_hash, updated_at`).
		WithArgs("", 1000).
		WillReturnRows(sqlmock.NewRows([]string{"path", "content", "content_hash", "updated_at"}))

	rows, err := p.Scan(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
