package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSettledSetConfig 描述 Redis 结算集合的连接参数。
type RedisSettledSetConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisSettledSet shares settlement marks between receiver replicas. A claim
// is a SETNX of the in-flight value; a confirmed payout overwrites it.
type RedisSettledSet struct {
	client *redis.Client
	prefix string
}

// NewRedisSettledSet 创建 Redis 结算集合。
func NewRedisSettledSet(cfg RedisSettledSetConfig) (*RedisSettledSet, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisSettledSetWithClient(client, cfg.Prefix), nil
}

// NewRedisSettledSetWithClient wraps an existing client.
func NewRedisSettledSetWithClient(client *redis.Client, prefix string) *RedisSettledSet {
	if prefix == "" {
		prefix = "intent-ledger:settled:"
	}
	return &RedisSettledSet{client: client, prefix: prefix}
}

func (s *RedisSettledSet) key(intentID uint64) string {
	return s.prefix + strconv.FormatUint(intentID, 10)
}

// 标记值。
const (
	markInFlight = "in_flight"
	markSettled  = "settled"
)

// Claim implements SettledSet.
func (s *RedisSettledSet) Claim(ctx context.Context, intentID uint64) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(intentID), markInFlight, 0).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 写入结算标记失败: %w", err)
	}
	return ok, nil
}

// Confirm implements SettledSet.
func (s *RedisSettledSet) Confirm(ctx context.Context, intentID uint64) error {
	if err := s.client.Set(ctx, s.key(intentID), markSettled, 0).Err(); err != nil {
		return fmt.Errorf("Redis 确认结算标记失败: %w", err)
	}
	return nil
}

// Remove implements SettledSet.
func (s *RedisSettledSet) Remove(ctx context.Context, intentID uint64) error {
	if err := s.client.Del(ctx, s.key(intentID)).Err(); err != nil {
		return fmt.Errorf("Redis 删除结算标记失败: %w", err)
	}
	return nil
}

// State implements SettledSet.
func (s *RedisSettledSet) State(ctx context.Context, intentID uint64) (MarkState, error) {
	v, err := s.client.Get(ctx, s.key(intentID)).Result()
	if errors.Is(err, redis.Nil) {
		return MarkNone, nil
	}
	if err != nil {
		return MarkNone, fmt.Errorf("Redis 查询结算标记失败: %w", err)
	}
	if v == markSettled {
		return MarkSettled, nil
	}
	return MarkInFlight, nil
}

// Close 关闭 Redis 连接。
func (s *RedisSettledSet) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
