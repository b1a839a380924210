package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/antigravity/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runContextContract(t *testing.T, s ContextStore) {
	ctx := context.Background()
	principal := "ctx-" + uuid.NewString()[:8]

	turns, err := s.Turns(ctx, principal)
	require.NoError(t, err)
	assert.Empty(t, turns)

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Append(ctx, principal, models.Turn{
			User:      fmt.Sprintf("q%d", i),
			Assistant: fmt.Sprintf("a%d", i),
			Timestamp: time.Now(),
		}, 20))
	}

	turns, err = s.Turns(ctx, principal)
	require.NoError(t, err)
	require.Len(t, turns, 20)
	assert.Equal(t, "q5", turns[0].User)
	assert.Equal(t, "a24", turns[19].Assistant)

	require.NoError(t, s.Clear(ctx, principal))
	require.NoError(t, s.Clear(ctx, principal))
	turns, err = s.Turns(ctx, principal)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMemoryContextStore(t *testing.T) {
	runContextContract(t, NewMemoryContextStore())
}

func TestMemoryContextStore_PrincipalsAreIsolated(t *testing.T) {
	s := NewMemoryContextStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", models.Turn{User: "hi"}, 20))
	turns, err := s.Turns(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, turns)

	require.NoError(t, s.Clear(ctx, "b"))
	turns, err = s.Turns(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestRedisContextStore(t *testing.T) {
	url := os.Getenv("KEYGATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("KEYGATE_TEST_REDIS_URL not set; skipping redis integration test")
	}

	s, err := NewRedisContextStore(context.Background(), url, "keygate:test:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	runContextContract(t, s)
}
