package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
)

func setupTestMongo(t *testing.T) (*MongoRepository, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	db, err := ConnectMongoDB(ctx, uri, "testdb")
	require.NoError(t, err)

	repo := NewMongoRepository(db, 24*time.Hour)
	require.NoError(t, repo.CreateIndexes(ctx))

	cleanup := func() {
		repo.Close()
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func setupTestPostgres(t *testing.T) (*SQLRepository, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	repo, err := OpenPostgres(&Credentials{
		Host:     host,
		Port:     port.Int(),
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	})
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations("./migrations"))

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func TestMongo_SnapshotLifecycle(t *testing.T) {
	repo, cleanup := setupTestMongo(t)
	defer cleanup()
	ctx := context.Background()

	_, err := repo.GetSnapshot(ctx, "s1")
	assert.ErrorIs(t, err, ErrCartNotFound)

	require.NoError(t, repo.SaveSnapshot(ctx, "s1", []byte(`[]`)))
	require.NoError(t, repo.SaveSnapshot(ctx, "s1", []byte(`{"version":1,"lines":[]}`)))

	got, err := repo.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1,"lines":[]}`, string(got))

	count, err := repo.collection.CountDocuments(ctx, bson.M{"session_id": "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, repo.DeleteSnapshot(ctx, "s1"))
	assert.ErrorIs(t, repo.DeleteSnapshot(ctx, "s1"), ErrCartNotFound)
}

func TestMongo_SessionStoreRoundTrip(t *testing.T) {
	repo, cleanup := setupTestMongo(t)
	defer cleanup()
	ctx := context.Background()
	store := Bind(repo, "s1", nil)

	require.NoError(t, store.Write(ctx, sampleLines()))
	lines, err := store.Read(ctx)

	require.NoError(t, err)
	assert.Equal(t, pairs(sampleLines()), pairs(lines))
}

func TestPostgres_SessionStoreRoundTrip(t *testing.T) {
	repo, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()
	store := Bind(repo, "s1", nil)

	require.NoError(t, store.Write(ctx, sampleLines()))
	require.NoError(t, store.Write(ctx, sampleLines()[:1]))
	lines, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, pairs(sampleLines()[:1]), pairs(lines))

	require.NoError(t, store.Clear(ctx))
	lines, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
