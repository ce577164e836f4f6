package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSQLite(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "cart.db"))
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations("./migrations"))
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLite_GetMissing(t *testing.T) {
	repo := setupTestSQLite(t)

	_, err := repo.GetSnapshot(context.Background(), "nobody")

	assert.ErrorIs(t, err, ErrCartNotFound)
}

func TestSQLite_UpsertOverwrites(t *testing.T) {
	repo := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSnapshot(ctx, "s1", []byte(`{"version":1,"lines":[]}`)))
	require.NoError(t, repo.SaveSnapshot(ctx, "s1", []byte(`[]`)))

	got, err := repo.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
}

func TestSQLite_Delete(t *testing.T) {
	repo := setupTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSnapshot(ctx, "s1", []byte(`[]`)))
	require.NoError(t, repo.DeleteSnapshot(ctx, "s1"))

	assert.ErrorIs(t, repo.DeleteSnapshot(ctx, "s1"), ErrCartNotFound)
}

func TestSQLite_MigrationsIdempotent(t *testing.T) {
	repo := setupTestSQLite(t)

	assert.NoError(t, repo.RunMigrations("./migrations"))
}

func TestSQLite_PurgeStale(t *testing.T) {
	repo := setupTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo.now = func() time.Time { return base }
	require.NoError(t, repo.SaveSnapshot(ctx, "old", []byte(`[]`)))
	repo.now = func() time.Time { return base.Add(48 * time.Hour) }
	require.NoError(t, repo.SaveSnapshot(ctx, "fresh", []byte(`[]`)))

	n, err := repo.PurgeStale(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetSnapshot(ctx, "old")
	assert.ErrorIs(t, err, ErrCartNotFound)
	_, err = repo.GetSnapshot(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSQLite_SessionStoreRoundTrip(t *testing.T) {
	repo := setupTestSQLite(t)
	ctx := context.Background()
	store := Bind(repo, "s1", nil)

	require.NoError(t, store.Write(ctx, sampleLines()))
	lines, err := store.Read(ctx)

	require.NoError(t, err)
	assert.Equal(t, pairs(sampleLines()), pairs(lines))
}

func newMockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLRepository(db, DriverPostgres), mock, db
}

func TestSQLMock_SaveUsesTransaction(t *testing.T) {
	repo, mock, _ := newMockRepo(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO carts (session_id, payload, updated_at)")).
		WithArgs("s1", `[]`, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveSnapshot(context.Background(), "s1", []byte(`[]`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_SaveRollsBackOnError(t *testing.T) {
	repo, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO carts")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.SaveSnapshot(context.Background(), "s1", []byte(`[]`))
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_GetSnapshot(t *testing.T) {
	repo, mock, _ := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM carts WHERE session_id = $1")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`[]`)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM carts WHERE session_id = $1")).
		WithArgs("s2").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.GetSnapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))

	_, err = repo.GetSnapshot(context.Background(), "s2")
	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_DeleteMissing(t *testing.T) {
	repo, mock, _ := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM carts WHERE session_id = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.DeleteSnapshot(context.Background(), "s1"), ErrCartNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_UnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewSQLRepository(db, "oracle").RunMigrations("./migrations")
	assert.ErrorContains(t, err, "unsupported sql driver")
}
