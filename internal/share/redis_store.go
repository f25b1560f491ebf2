package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dashboard:share:"

// RedisStore keeps views in Redis. Expiring views get a matching key TTL, so
// Redis drops them on its own.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Insert uses SETNX so an existing token is never overwritten.
func (s *RedisStore) Insert(ctx context.Context, v domain.SharedView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if v.ExpiresAt != nil {
		ttl = v.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return apperr.Validation("share view already expired")
		}
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+v.Token, data, ttl).Result()
	if err != nil {
		return apperr.Transient(fmt.Errorf("store share view: %w", err))
	}
	if !ok {
		return fmt.Errorf("shared view token: %w", apperr.ErrIntegrityConflict)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (*domain.SharedView, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("shared view")
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("load share view: %w", err))
	}
	var v domain.SharedView
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode share view: %w", err)
	}
	return &v, nil
}
