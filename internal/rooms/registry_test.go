package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"downpour/internal/db"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGormRegistry(t *testing.T, ttl time.Duration) *GormRegistry {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return NewGormRegistry(gdb, ttl)
}

func TestGormRegistry_CreateAndLookup(t *testing.T) {
	reg := newGormRegistry(t, time.Hour)
	ctx := context.Background()

	room, err := reg.Create(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)
	assert.Equal(t, time.Hour, room.ExpiresAt.Sub(room.CreatedAt))

	got, err := reg.Lookup(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
}

func TestGormRegistry_UniqueIDs(t *testing.T) {
	reg := newGormRegistry(t, time.Hour)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		room, err := reg.Create(context.Background())
		require.NoError(t, err)
		assert.False(t, seen[room.ID])
		seen[room.ID] = true
	}
}

func TestGormRegistry_NotFound(t *testing.T) {
	reg := newGormRegistry(t, time.Hour)
	_, err := reg.Lookup(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrRoomNotFound))
}

func TestGormRegistry_ExpiryAndSweep(t *testing.T) {
	reg := newGormRegistry(t, time.Hour)
	ctx := context.Background()

	base := time.Now()
	reg.now = func() time.Time { return base }
	room, err := reg.Create(ctx)
	require.NoError(t, err)
	fresh, err := reg.Create(ctx)
	require.NoError(t, err)

	reg.now = func() time.Time { return base.Add(59 * time.Minute) }
	_, err = reg.Lookup(ctx, room.ID)
	require.NoError(t, err)

	reg.now = func() time.Time { return base.Add(time.Hour) }
	_, err = reg.Lookup(ctx, room.ID)
	assert.True(t, errors.Is(err, ErrRoomExpired))

	// the second room was created at the same instant, so both are swept
	n, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = reg.Lookup(ctx, fresh.ID)
	assert.True(t, errors.Is(err, ErrRoomNotFound))
}

func TestGormRegistry_RunSweeperStops(t *testing.T) {
	reg := newGormRegistry(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

const testRedisURL = "redis://localhost:6379/15"

func TestRedisRegistry(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, testRedisURL)
	if err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisURL, err)
	}
	defer client.Close()

	prefix := "downpour-test:room:"
	reg := NewRedisRegistry(client, prefix, 200*time.Millisecond)
	t.Cleanup(func() { cleanupKeys(ctx, client, prefix+"*") })

	room, err := reg.Create(ctx)
	require.NoError(t, err)

	got, err := reg.Lookup(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	_, err = reg.Lookup(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRoomNotFound))

	require.Eventually(t, func() bool {
		_, err := reg.Lookup(ctx, room.ID)
		return errors.Is(err, ErrRoomNotFound)
	}, 3*time.Second, 50*time.Millisecond)
}

func cleanupKeys(ctx context.Context, client *redis.Client, pattern string) {
	keys, err := client.Keys(ctx, pattern).Result()
	if err == nil && len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}
