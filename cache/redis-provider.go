package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage stores partitions in Redis so that several proxy
// instances can share them.
//
// Layout, relative to the key prefix:
//
//	seq                  counter used for all ordering scores
//	partitions           sorted set of partition names, scored by creation
//	p:<name>:bodies      hash of key -> stored response
//	p:<name>:order       sorted set of keys, scored by insertion
type RedisStorage struct {
	redis  *redis.Client
	prefix string
}

type redisPartition struct {
	name    string
	storage *RedisStorage
}

// NewRedisStorage creates a storage using the given client.
// All Redis keys are namespaced under prefix.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "swcache"
	}
	return &RedisStorage{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStorage) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStorage) partitionsKey() string {
	return s.prefix + ":partitions"
}

func (s *RedisStorage) bodiesKey(name string) string {
	return s.prefix + ":p:" + name + ":bodies"
}

func (s *RedisStorage) orderKey(name string) string {
	return s.prefix + ":p:" + name + ":order"
}

func (s *RedisStorage) nextSeq(ctx context.Context) (float64, error) {
	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return float64(seq), nil
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Partition, error) {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		StorageErrors.WithLabelValues("redis", "open").Inc()
		return nil, err
	}
	if err := s.redis.ZAddNX(ctx, s.partitionsKey(), redis.Z{Score: seq, Member: name}).Err(); err != nil {
		StorageErrors.WithLabelValues("redis", "open").Inc()
		return nil, fmt.Errorf("redis zadd: %w", err)
	}
	return &redisPartition{name: name, storage: s}, nil
}

func (s *RedisStorage) Get(ctx context.Context, name string) (Partition, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		StorageErrors.WithLabelValues("redis", "get").Inc()
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &redisPartition{name: name, storage: s}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.redis.ZScore(ctx, s.partitionsKey(), name).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.bodiesKey(name), s.orderKey(name))
		removed = pipe.ZRem(ctx, s.partitionsKey(), name)
		return nil
	})
	if err != nil {
		StorageErrors.WithLabelValues("redis", "delete").Inc()
		return false, fmt.Errorf("redis delete partition: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.ZRange(ctx, s.partitionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := p.storage.redis.HGet(ctx, p.storage.bodiesKey(p.name), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		StorageErrors.WithLabelValues("redis", "match").Inc()
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	return data, true, nil
}

func (p *redisPartition) Put(ctx context.Context, key string, value []byte) error {
	seq, err := p.storage.nextSeq(ctx)
	if err != nil {
		StorageErrors.WithLabelValues("redis", "put").Inc()
		return err
	}
	_, err = p.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, p.storage.partitionsKey(), redis.Z{Score: seq, Member: p.name})
		pipe.HSet(ctx, p.storage.bodiesKey(p.name), key, value)
		pipe.ZAdd(ctx, p.storage.orderKey(p.name), redis.Z{Score: seq, Member: key})
		return nil
	})
	if err != nil {
		StorageErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := p.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, p.storage.bodiesKey(p.name), key)
		pipe.ZRem(ctx, p.storage.orderKey(p.name), key)
		return nil
	})
	if err != nil {
		StorageErrors.WithLabelValues("redis", "delete").Inc()
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return removed.Val() > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.storage.redis.ZRange(ctx, p.storage.orderKey(p.name), 0, -1).Result()
	if err != nil {
		StorageErrors.WithLabelValues("redis", "keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return keys, nil
}

func (p *redisPartition) Len(ctx context.Context) (int, error) {
	n, err := p.storage.redis.ZCard(ctx, p.storage.orderKey(p.name)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}
