package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocker(t *testing.T, l Locker) {
	ctx := context.Background()
	key := LockKey("rest", "t-"+t.Name())

	ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock is not granted twice")

	require.NoError(t, l.Unlock(ctx, key))
	ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Unlock(ctx, key))
}

func testCursors(t *testing.T, c CursorStore) {
	ctx := context.Background()
	key := CursorKey("rest", "t-"+t.Name())

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	want := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	require.NoError(t, c.Set(ctx, key, want))
	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestMemoryLocker(t *testing.T) {
	testLocker(t, NewMemoryLocker())
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok)
	now = now.Add(2 * time.Minute)
	ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok, "expired lock can be taken")
}

func TestMemoryCursorStore(t *testing.T) {
	testCursors(t, NewMemoryCursorStore())
}

// The redis tests run against FLEET_TEST_REDIS when it is set.
func TestRedis(t *testing.T) {
	addr := os.Getenv("FLEET_TEST_REDIS")
	if addr == "" {
		t.Skip("FLEET_TEST_REDIS not set")
	}
	client, err := NewRedisClient(context.Background(), addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	t.Run("locker", func(t *testing.T) { testLocker(t, NewRedisLocker(client)) })
	t.Run("cursors", func(t *testing.T) { testCursors(t, NewRedisCursorStore(client)) })
	t.Run("foreign unlock", func(t *testing.T) {
		ctx := context.Background()
		a, b := NewRedisLocker(client), NewRedisLocker(client)
		key := LockKey("rest", "foreign")
		ok, err := a.TryLock(ctx, key, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, b.Unlock(ctx, key))
		ok, err = b.TryLock(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "unlock by another locker does not release")
		require.NoError(t, a.Unlock(ctx, key))
	})
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisClient(ctx, "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
