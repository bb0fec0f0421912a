// Package cache puts a short-lived redis cache in front of the hot read
// queries of the coordination API. Entries expire on their TTL; mutating
// operations additionally invalidate the keys they touch. A disabled cache is
// a nil *Cache, and every method on it is a no-op, so callers never branch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

// New connects to redis and verifies the connection. A disabled config
// returns a nil cache.
func New(cfg *config.CacheConfig) (*Cache, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   0,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Cache{
		client: client,
		ttl:    ttl,
		log:    common.ComponentLogger("cache"),
	}, nil
}

// GetJSON loads a cached value into target. A miss or an unreadable entry
// returns false.
func (c *Cache) GetJSON(ctx context.Context, key string, target interface{}) bool {
	if c == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, target); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache entry corrupt, dropping")
		c.client.Del(ctx, key)
		return false
	}
	return true
}

// SetJSON stores a value under the cache TTL. Failures are logged and
// swallowed; the cache is best effort.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache encode failed")
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

// Invalidate drops the given keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).Warn("cache invalidation failed")
	}
}

// InvalidatePrefix drops every key under the given prefix. Used when a
// workflow-wide operation like resume makes all of its cached reads stale.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	if c == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			c.log.WithError(err).WithField("prefix", prefix).Warn("cache scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.WithError(err).Warn("cache invalidation failed")
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Close tears the redis connection down.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// WorkflowPrefix is the invalidation prefix for one workflow's cached reads.
func WorkflowPrefix(workflowID int64) string {
	return fmt.Sprintf("jobmon:workflow:%d:", workflowID)
}

// OverviewKey caches GetWorkflowOverview.
func OverviewKey(workflowID int64) string {
	return WorkflowPrefix(workflowID) + "overview"
}

// ConcurrencyKey caches GetWorkflowMaxConcurrency.
func ConcurrencyKey(workflowID int64) string {
	return WorkflowPrefix(workflowID) + "concurrency"
}

// TemplateDAGKey caches GetTaskTemplateDAG.
func TemplateDAGKey(workflowID int64) string {
	return WorkflowPrefix(workflowID) + "template_dag"
}

// TemplateStatusKey caches TemplateStatusCounts.
func TemplateStatusKey(workflowID int64) string {
	return WorkflowPrefix(workflowID) + "template_status"
}

// UsageKey caches ResourceUsage per template version, confidence and
// workflow filter.
func UsageKey(taskTemplateVersionID int64, confidence string, workflowID int64) string {
	return fmt.Sprintf("jobmon:usage:%d:%s:%d", taskTemplateVersionID, confidence, workflowID)
}
