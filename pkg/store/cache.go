package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const cacheComponent = "status-cache"

// CacheConfig configures the Redis status cache.
type CacheConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	Database     int           `yaml:"database"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Address:      "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		TTL:          10 * time.Second,
		KeyPrefix:    "testcycle",
	}
}

// StatusCache fronts the status query with short-lived snapshots so a UI
// polling many instances does not hammer the coordinators. Snapshots are
// advisory: a miss or a stale entry just falls through to the live
// coordinator.
type StatusCache struct {
	client *redis.Client
	config CacheConfig
	logger *logging.StructuredLogger
}

func NewStatusCache(config CacheConfig, logger *logging.StructuredLogger) *StatusCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	return &StatusCache{
		client: rdb,
		config: config,
		logger: logger.WithComponent(cacheComponent),
	}
}

func (c *StatusCache) key(instanceID string) string {
	return c.config.KeyPrefix + ":status:" + instanceID
}

// Get returns a cached snapshot, or (nil, false) on miss or error.
func (c *StatusCache) Get(ctx context.Context, instanceID string) (*workflow.StatusSnapshot, bool) {
	data, err := c.client.Get(ctx, c.key(instanceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WarnWithContext("cache read failed", "instance_id", instanceID, "error", err.Error())
		}
		return nil, false
	}
	var snap workflow.StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// Set stores a snapshot under the configured TTL. Failures are logged and
// swallowed.
func (c *StatusCache) Set(ctx context.Context, snap *workflow.StatusSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(snap.InstanceID), data, c.config.TTL).Err(); err != nil {
		c.logger.WarnWithContext("cache write failed", "instance_id", snap.InstanceID, "error", err.Error())
	}
}

// Invalidate drops one instance's snapshot, used after abort and skip so
// administrative actions are visible immediately.
func (c *StatusCache) Invalidate(ctx context.Context, instanceID string) {
	if err := c.client.Del(ctx, c.key(instanceID)).Err(); err != nil {
		c.logger.WarnWithContext("cache invalidate failed", "instance_id", instanceID, "error", err.Error())
	}
}

// Ping verifies connectivity, used by the readiness probe.
func (c *StatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *StatusCache) Close() error {
	return c.client.Close()
}
