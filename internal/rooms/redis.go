package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps one key per room with a native expiry. An expired room
// is indistinguishable from one that never existed, so Lookup only ever
// reports ErrRoomNotFound.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "room:"
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) Create(ctx context.Context) (Room, error) {
	now := time.Now().UTC()
	room := Room{ID: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(r.ttl)}
	ok, err := r.client.SetNX(ctx, r.prefix+room.ID, now.Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	if !ok {
		return Room{}, fmt.Errorf("create room: id collision %s", room.ID)
	}
	return room, nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, roomID string) (Room, error) {
	val, err := r.client.Get(ctx, r.prefix+roomID).Result()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("lookup room: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return Room{}, fmt.Errorf("lookup room: corrupt record: %w", err)
	}
	return Room{ID: roomID, CreatedAt: created, ExpiresAt: created.Add(r.ttl)}, nil
}
