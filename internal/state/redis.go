// Package state tracks ephemeral per-device liveness: the last time a device
// reported and whether it is considered online.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"companion/internal/config"
)

// DeviceState records device heartbeats.
type DeviceState interface {
	// Heartbeat marks deviceID as seen at the given time on behalf of entityID.
	Heartbeat(ctx context.Context, deviceID, entityID string, at time.Time) error
	// LastSeen returns the last heartbeat; ok is false if the device never reported.
	LastSeen(ctx context.Context, deviceID string) (at time.Time, ok bool, err error)
	// Online reports whether the device reported within the online TTL.
	Online(ctx context.Context, deviceID string) (bool, error)
	Close() error
}

const keyPrefix = "companion:device:"

func deviceKey(deviceID string) string { return keyPrefix + deviceID }
func onlineKey(deviceID string) string { return keyPrefix + deviceID + ":online" }

// Redis keeps heartbeats in a hash per device plus a TTL'd online flag.
type Redis struct {
	client    *redis.Client
	onlineTTL time.Duration
}

// NewRedis connects and pings.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisFromClient(client, cfg.OnlineTTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, onlineTTL time.Duration) *Redis {
	if onlineTTL <= 0 {
		onlineTTL = 5 * time.Minute
	}
	return &Redis{client: client, onlineTTL: onlineTTL}
}

func (r *Redis) Heartbeat(ctx context.Context, deviceID, entityID string, at time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, deviceKey(deviceID),
		"entity_id", entityID,
		"last_seen", at.UnixMilli(),
		"status", "online",
	)
	pipe.Set(ctx, onlineKey(deviceID), entityID, r.onlineTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", deviceID, err)
	}
	return nil
}

func (r *Redis) LastSeen(ctx context.Context, deviceID string) (time.Time, bool, error) {
	val, err := r.client.HGet(ctx, deviceKey(deviceID), "last_seen").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat for %s: %w", deviceID, err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat for %s: %w", deviceID, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (r *Redis) Online(ctx context.Context, deviceID string) (bool, error) {
	n, err := r.client.Exists(ctx, onlineKey(deviceID)).Result()
	if err != nil {
		return false, fmt.Errorf("check online for %s: %w", deviceID, err)
	}
	return n == 1, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type noopState struct{}

// NewNoop returns a DeviceState that records nothing, used when Redis is not configured.
func NewNoop() DeviceState { return noopState{} }

func (noopState) Heartbeat(context.Context, string, string, time.Time) error { return nil }
func (noopState) LastSeen(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (noopState) Online(context.Context, string) (bool, error) { return false, nil }
func (noopState) Close() error                                 { return nil }
