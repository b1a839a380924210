package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/models"
	"github.com/redis/go-redis/v9"
)

const defaultContextPrefix = "keygate:context:"

// RedisContextStore keeps each principal's history in a capped redis list.
type RedisContextStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisContextStore connects using a redis:// URL.
func NewRedisContextStore(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisContextStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = defaultContextPrefix
	}
	return &RedisContextStore{client: client, prefix: prefix, ttl: ttl}, nil
}

var _ ContextStore = (*RedisContextStore)(nil)

func (s *RedisContextStore) key(principal string) string {
	return s.prefix + principal
}

func (s *RedisContextStore) Turns(ctx context.Context, principal string) ([]models.Turn, error) {
	raw, err := s.client.LRange(ctx, s.key(principal), 0, -1).Result()
	if err != nil {
		return nil, apierr.Storage(err)
	}
	turns := make([]models.Turn, 0, len(raw))
	for _, item := range raw {
		var turn models.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisContextStore) Append(ctx context.Context, principal string, turn models.Turn, max int) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	key := s.key(principal)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		if max > 0 {
			pipe.LTrim(ctx, key, int64(-max), -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return apierr.Storage(err)
	}
	return nil
}

func (s *RedisContextStore) Clear(ctx context.Context, principal string) error {
	if err := s.client.Del(ctx, s.key(principal)).Err(); err != nil {
		return apierr.Storage(err)
	}
	return nil
}

func (s *RedisContextStore) Close() error {
	return s.client.Close()
}
