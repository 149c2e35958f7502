package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ishandhanani/forky/internal/storage"
	"github.com/ishandhanani/forky/internal/storage/storagetest"
)

// postgresTestDSN returns the DSN for the test database.
// If FORKY_TEST_POSTGRES_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("FORKY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORKY_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database and empties it.
func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), postgresTestDSN(t), WithClock(now))
	require.NoError(t, err, "NewStore should succeed")
	require.NoError(t, store.truncateForTest(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	postgresTestDSN(t)
	storagetest.Run(t, func(t *testing.T, now func() time.Time) storage.ConversationStore {
		return newTestStore(t, now)
	})
}

func TestNewStore_BadDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewStore(ctx, "postgres://nobody@127.0.0.1:1/forky?sslmode=disable&connect_timeout=1")
	require.Error(t, err)
}
