package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nellyag1/wavescape-portal222/internal/tlsutil"
	"github.com/nellyag1/wavescape-portal222/session"
)

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(config RedisStoreConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.RedisTLSConfig(config.ServerName)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func redisPrefix(prefix string) string {
	if prefix == "" {
		return "wavescape:"
	}
	return prefix
}

// RedisSessionStore is a Redis-based implementation of SessionStore.
// Suitable for distributed production deployments.
// Each session is a JSON string; a set indexes the names.
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
}

// NewRedisSessionStore creates a new Redis-based session store.
// When client is nil a client is dialed from config and closed with the store.
func NewRedisSessionStore(client *redis.Client, config RedisStoreConfig) (*RedisSessionStore, error) {
	own := false
	if client == nil {
		var err error
		if client, err = NewRedisClient(config); err != nil {
			return nil, err
		}
		own = true
	}
	return &RedisSessionStore{
		client:    client,
		keyPrefix: redisPrefix(config.KeyPrefix) + "session:",
		ownClient: own,
	}, nil
}

func (s *RedisSessionStore) dataKey(name string) string {
	return s.keyPrefix + "data:" + name
}

func (s *RedisSessionStore) namesKey() string {
	return s.keyPrefix + "names"
}

// Close closes the store
func (s *RedisSessionStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get retrieves a session by name
func (s *RedisSessionStore) Get(ctx context.Context, name string) (*session.Record, error) {
	data, err := s.client.Get(ctx, s.dataKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(data)
}

// Save persists a session and indexes its name
func (s *RedisSessionStore) Save(ctx context.Context, record *session.Record) error {
	if record == nil {
		return ErrInvalidInput
	}
	data, err := encodeSession(record)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(record.Name), data, 0)
	pipe.SAdd(ctx, s.namesKey(), record.Name)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a session
func (s *RedisSessionStore) Delete(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.dataKey(name))
	pipe.SRem(ctx, s.namesKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys returns all session names in ascending order
func (s *RedisSessionStore) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// RedisLoopStore is a Redis-based implementation of LoopStore.
// Unfinished loops sit in a sorted set scored by next wake time
// (milliseconds), so ListDue is a single range query.
type RedisLoopStore struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
}

// NewRedisLoopStore creates a new Redis-based loop store.
// When client is nil a client is dialed from config and closed with the store.
func NewRedisLoopStore(client *redis.Client, config RedisStoreConfig) (*RedisLoopStore, error) {
	own := false
	if client == nil {
		var err error
		if client, err = NewRedisClient(config); err != nil {
			return nil, err
		}
		own = true
	}
	return &RedisLoopStore{
		client:    client,
		keyPrefix: redisPrefix(config.KeyPrefix) + "loop:",
		ownClient: own,
	}, nil
}

func (s *RedisLoopStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisLoopStore) dueKey() string {
	return s.keyPrefix + "due"
}

func (s *RedisLoopStore) allKey() string {
	return s.keyPrefix + "all"
}

// Close closes the store
func (s *RedisLoopStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisLoopStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save persists a checkpoint and updates the due index
func (s *RedisLoopStore) Save(ctx context.Context, record *LoopRecord) error {
	if err := record.validate(); err != nil {
		return err
	}
	stored := record.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		if prev, err := s.Get(ctx, record.InstanceID); err == nil {
			stored.CreatedAt = prev.CreatedAt
		} else {
			stored.CreatedAt = now
		}
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal loop: %w", err)
	}

	score := float64(stored.NextWakeAt.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(stored.InstanceID), data, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: stored.InstanceID})
	if stored.Done {
		pipe.ZRem(ctx, s.dueKey(), stored.InstanceID)
	} else {
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score, Member: stored.InstanceID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a checkpoint by instance id
func (s *RedisLoopStore) Get(ctx context.Context, instanceID string) (*LoopRecord, error) {
	data, err := s.client.Get(ctx, s.dataKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec LoopRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop %q: %w", instanceID, err)
	}
	return &rec, nil
}

// Delete removes a checkpoint and its index entries
func (s *RedisLoopStore) Delete(ctx context.Context, instanceID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.dataKey(instanceID))
	pipe.ZRem(ctx, s.dueKey(), instanceID)
	pipe.ZRem(ctx, s.allKey(), instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns unfinished checkpoints due at or before the given time
func (s *RedisLoopStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*LoopRecord, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), opt).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

// List returns every checkpoint
func (s *RedisLoopStore) List(ctx context.Context) ([]*LoopRecord, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *RedisLoopStore) load(ctx context.Context, ids []string) ([]*LoopRecord, error) {
	out := make([]*LoopRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByWake(out)
	return out, nil
}
