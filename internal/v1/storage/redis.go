package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/da-live/collab/internal/v1/logging"
)

// RedisProvider maps each document to a Redis hash, one field per record
// key. Hash fields comfortably fit the 128 KiB value cap.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider connects a provider to the given Redis instance.
func NewRedisProvider(addr, password string) *RedisProvider {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &RedisProvider{client: client, prefix: "collab:room:"}
}

// Ping verifies connectivity at startup.
func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

func (p *RedisProvider) ForDoc(doc string) Store {
	return &redisStore{client: p.client, key: p.prefix + doc}
}

type redisStore struct {
	client *redis.Client
	key    string
}

func (s *redisStore) List(ctx context.Context) (map[string][]byte, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *redisStore) Put(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, len(entries)*2)
	for k, v := range entries {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, s.key, args...).Err(); err != nil {
		logging.Error(ctx, "redis put failed", zap.String("key", s.key), zap.Error(err))
		return err
	}
	return nil
}

func (s *redisStore) DeleteAll(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
