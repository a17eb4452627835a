package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 默认 Redis 键前缀.
const DefaultRedisPrefix = "saga:"

// allStatuses 全部执行状态，保存时用于维护状态索引.
var allStatuses = []Status{
	StatusRunning,
	StatusCompensating,
	StatusCommitted,
	StatusRolledBack,
	StatusRollbackIncomplete,
}

// RedisStore 基于 Redis 的记录存储.
//
// 记录以 JSON 保存在 <prefix>record:<id>，
// 每个状态维护一个按开始时间排序的有序集合 <prefix>status:<status>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption RedisStore 配置选项.
type RedisOption func(*RedisStore)

// WithRedisPrefix 设置键前缀.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisTTL 设置记录过期时间，0 表示不过期.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore 创建 Redis 存储.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + "record:" + id
}

func (s *RedisStore) statusKey(status Status) string {
	return s.prefix + "status:" + string(status)
}

// Save 保存执行记录，记录与状态索引在同一事务中更新.
func (s *RedisStore) Save(ctx context.Context, record *Record) error {
	data, err := record.Export()
	if err != nil {
		return fmt.Errorf("saga: 序列化执行记录失败: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(record.ID), data, s.ttl)
		for _, status := range allStatuses {
			if status != record.Status {
				pipe.ZRem(ctx, s.statusKey(status), record.ID)
			}
		}
		pipe.ZAdd(ctx, s.statusKey(record.Status), redis.Z{
			Score:  float64(record.StartedAt.UnixNano()),
			Member: record.ID,
		})
		return nil
	})
	return err
}

// Get 获取执行记录.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	return ParseRecord(data)
}

// Delete 删除执行记录.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		for _, status := range allStatuses {
			pipe.ZRem(ctx, s.statusKey(status), id)
		}
		return nil
	})
	return err
}

// List 列出指定状态的执行记录，按开始时间倒序.
//
// 已过期的记录会从索引中移除.
func (s *RedisStore) List(ctx context.Context, status Status, limit int) ([]*Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, s.statusKey(status), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Record, 0, len(values))
	var expired []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		record, err := ParseRecord([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("saga: 解析执行记录失败 %s: %w", ids[i], err)
		}
		result = append(result, record)
	}

	if len(expired) > 0 {
		s.client.ZRem(ctx, s.statusKey(status), expired...)
	}
	return result, nil
}

// Ping 实现就绪检查.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
