package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promoter/internal/config"
	"promoter/internal/models"

	"github.com/redis/go-redis/v9"
)

// HeartbeatStore keeps the most recent heartbeat per worker.
type HeartbeatStore interface {
	Record(ctx context.Context, beat models.Heartbeat) error
	// Latest returns nil when the worker has not reported within the TTL.
	Latest(ctx context.Context, workerID string) (*models.Heartbeat, error)
}

type RedisHeartbeatStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisHeartbeatStore(client *redis.Client, ttl time.Duration) *RedisHeartbeatStore {
	return &RedisHeartbeatStore{client: client, ttl: ttl}
}

func heartbeatKey(workerID string) string {
	return "worker_heartbeat:" + workerID
}

func (r *RedisHeartbeatStore) Record(ctx context.Context, beat models.Heartbeat) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(beat)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	if err := r.client.Set(ctx, heartbeatKey(beat.WorkerID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set heartbeat in redis: %w", err)
	}
	return nil
}

func (r *RedisHeartbeatStore) Latest(ctx context.Context, workerID string) (*models.Heartbeat, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, heartbeatKey(workerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat from redis: %w", err)
	}

	var beat models.Heartbeat
	if err := json.Unmarshal(val, &beat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	return &beat, nil
}

func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
