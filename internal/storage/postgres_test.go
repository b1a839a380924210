package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("KEYGATE_TEST_PG_URL")
	if url == "" {
		t.Skip("KEYGATE_TEST_PG_URL not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Migrate(ctx)
	require.NoError(t, err)

	// 再次迁移不应重复执行
	applied, err := store.Migrate(ctx)
	require.NoError(t, err)
	require.Empty(t, applied)

	runStoreContract(t, func(t *testing.T) Store {
		return store
	})
}
