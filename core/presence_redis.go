package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:last_online:"

// RedisPresenceStore keeps last-online timestamps in redis. Intended for
// deployments where presence reads are hot enough to keep off the primary
// database; selected through the presence.backend config key.
type RedisPresenceStore struct {
	client *redis.Client
}

func NewRedisPresenceStore(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

func (s *RedisPresenceStore) Touch(ctx context.Context, userID UserID, t time.Time) error {
	key := presenceKeyPrefix + string(userID)
	if err := s.client.Set(ctx, key, t.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) LastOnline(ctx context.Context, userIDs []UserID) (map[UserID]time.Time, error) {
	statuses := make(map[UserID]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return statuses, nil
	}

	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, presenceKeyPrefix+string(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	for i, v := range values {
		if v == nil {
			// never seen: absent from the result, not a zero timestamp
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected redis value type %T for %s", v, keys[i])
		}
		var millis int64
		if _, err := fmt.Sscanf(str, "%d", &millis); err != nil {
			return nil, fmt.Errorf("parse last online for %s: %w", keys[i], err)
		}
		statuses[userIDs[i]] = time.UnixMilli(millis)
	}

	return statuses, nil
}
