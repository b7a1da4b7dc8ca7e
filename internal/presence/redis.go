package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "campuslink:presence:"

// RedisMirror exports who is online to Redis so other services can read it.
// Entries expire after ttl unless refreshed.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedisMirror(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisMirror{rdb: rdb, ttl: ttl, log: logger}, nil
}

func presenceKey(userId string) string { return keyPrefix + userId }

// Online marks userId as online on connId and renews the TTL.
func (m *RedisMirror) Online(ctx context.Context, userId, connId string) error {
	if err := m.rdb.Set(ctx, presenceKey(userId), connId, m.ttl).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}

	m.log.Debug("presence online", zap.String("user_id", userId), zap.String("conn_id", connId))
	return nil
}

func (m *RedisMirror) Offline(ctx context.Context, userId string) error {
	if err := m.rdb.Del(ctx, presenceKey(userId)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}

	m.log.Debug("presence offline", zap.String("user_id", userId))
	return nil
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
