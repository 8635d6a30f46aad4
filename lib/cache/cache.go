/*
Copyright 2025 LightQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache implements the fast tier of the two-tier store: one
// redis sorted set per consumer group, scored by creation (or schedule)
// time so that the lowest score is the oldest message. A sorted set
// rather than a list gives idempotent inserts by message identity and
// O(log n) removal of a specific element.
//
// The cache is never authoritative. Every call runs through a circuit
// breaker; when redis is down or the breaker is open, writes degrade to
// no-ops and reads to empty results, and the durable store carries the
// load alone. Callers therefore never see an error from this package —
// every swallowed failure increments a counter.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lightq/lightq"
	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/defaults"
	"github.com/lightq/lightq/lib/utils"
)

// keyPrefix namespaces all cache keys.
const keyPrefix = "consumerGroupMessages:"

// Key returns the cache key of a consumer group.
func Key(group string) string {
	return keyPrefix + group
}

var (
	cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_cache_errors_total",
			Help: "Cache operations swallowed after a redis or breaker failure",
		},
		[]string{"op"},
	)
	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_cache_evictions_total",
			Help: "Newest-first evictions caused by the per-group entry cap",
		},
		[]string{"group"},
	)
	breakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lightq_cache_breaker_trips_total",
			Help: "Transitions of the cache circuit breaker into the open state",
		},
	)
)

// Config holds cache options.
type Config struct {
	// Client is the redis client to use.
	Client redis.UniversalClient
	// TTL is the key expiry refreshed on every write.
	TTL time.Duration
	// MaxEntriesPerGroup caps each group's sorted set; overflow drops
	// the highest-scored (newest) members.
	MaxEntriesPerGroup int
	// CommandTimeout bounds each redis command.
	CommandTimeout time.Duration
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
	// Log emits cache diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.CacheTTL
	}
	if c.MaxEntriesPerGroup <= 0 {
		c.MaxEntriesPerGroup = defaults.CacheMaxEntriesPerGroup
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaults.RedisCommandTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(lightq.ComponentKey, lightq.ComponentCache)
	return nil
}

// New returns a cache over the given redis client.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(cacheErrors, cacheEvictions, breakerTrips); err != nil {
		return nil, trace.Wrap(err)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "redis-cache",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerTrips.Inc()
			}
			cfg.Log.Info("cache breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Cache{Config: cfg, breaker: cb}, nil
}

// Cache is the redis-backed message cache.
type Cache struct {
	Config
	breaker *gobreaker.CircuitBreaker
}

// run executes op through the breaker, swallowing failures into the
// per-operation counter. The durable store is the source of truth, so
// degraded behavior here is empty reads and dropped writes, not errors.
func (c *Cache) run(ctx context.Context, name string, op func(ctx context.Context) error) bool {
	_, err := c.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.CommandTimeout)
		defer cancel()
		return nil, op(ctx)
	})
	if err != nil {
		cacheErrors.WithLabelValues(name).Inc()
		c.Log.Debug("cache operation degraded", "op", name, "error", err)
		return false
	}
	return true
}

// scoreFor orders messages in the sorted set. Promoted messages keep
// their original schedule time as the score, which ranks a just-due
// message ahead of anything created after it was scheduled.
func scoreFor(msg *types.Message) float64 {
	if msg.ScheduledAt != nil {
		return float64(msg.ScheduledAt.UnixMilli())
	}
	return float64(msg.CreatedAt.UnixMilli())
}

// Add inserts one message as a single pipelined unit: add, trim to the
// per-group cap dropping newest, refresh the key TTL.
func (c *Cache) Add(ctx context.Context, msg *types.Message) {
	c.AddMany(ctx, []*types.Message{msg})
}

// AddMany groups messages by consumer group and issues one pipelined
// unit per group.
func (c *Cache) AddMany(ctx context.Context, msgs []*types.Message) {
	byGroup := make(map[string][]redis.Z)
	for _, msg := range msgs {
		data, err := types.MarshalMessage(msg)
		if err != nil {
			cacheErrors.WithLabelValues("add").Inc()
			c.Log.Warn("failed to encode message for cache", "id", msg.ID, "error", err)
			continue
		}
		byGroup[msg.ConsumerGroup] = append(byGroup[msg.ConsumerGroup], redis.Z{
			Score:  scoreFor(msg),
			Member: data,
		})
	}
	for group, members := range byGroup {
		key := Key(group)
		var trimmed *redis.IntCmd
		ok := c.run(ctx, "add", func(ctx context.Context) error {
			pipe := c.Client.Pipeline()
			pipe.ZAdd(ctx, key, members...)
			trimmed = pipe.ZRemRangeByRank(ctx, key, int64(c.MaxEntriesPerGroup), -1)
			pipe.Expire(ctx, key, c.TTL)
			_, err := pipe.Exec(ctx)
			return err
		})
		if ok && trimmed.Val() > 0 {
			cacheEvictions.WithLabelValues(group).Add(float64(trimmed.Val()))
		}
	}
}

// Pop removes and returns the oldest cached message, or nil when the
// group's set is empty or the cache is degraded. The caller still has
// to win the durable reservation.
func (c *Cache) Pop(ctx context.Context, group string) *types.Message {
	var popped []redis.Z
	ok := c.run(ctx, "pop", func(ctx context.Context) error {
		var err error
		popped, err = c.Client.ZPopMin(ctx, Key(group), 1).Result()
		return err
	})
	if !ok || len(popped) == 0 {
		return nil
	}
	member, _ := popped[0].Member.(string)
	msg, err := types.UnmarshalMessage([]byte(member))
	if err != nil {
		cacheErrors.WithLabelValues("pop").Inc()
		c.Log.Warn("dropping undecodable cache entry", "group", group, "error", err)
		return nil
	}
	return msg
}

// Peek returns up to limit of the oldest cached messages without
// removing them.
func (c *Cache) Peek(ctx context.Context, group string, limit int) []*types.Message {
	if limit <= 0 {
		return nil
	}
	var members []string
	ok := c.run(ctx, "peek", func(ctx context.Context) error {
		var err error
		members, err = c.Client.ZRange(ctx, Key(group), 0, int64(limit-1)).Result()
		return err
	})
	if !ok {
		return nil
	}
	out := make([]*types.Message, 0, len(members))
	for _, member := range members {
		msg, err := types.UnmarshalMessage([]byte(member))
		if err != nil {
			cacheErrors.WithLabelValues("peek").Inc()
			c.Log.Warn("skipping undecodable cache entry", "group", group, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// RemoveOne removes a specific message by identity, reporting whether
// it was present. The message must be in the exact state it was cached
// in, since removal matches the serialized bytes.
func (c *Cache) RemoveOne(ctx context.Context, group string, msg *types.Message) bool {
	data, err := types.MarshalMessage(msg)
	if err != nil {
		cacheErrors.WithLabelValues("remove").Inc()
		return false
	}
	var removed int64
	ok := c.run(ctx, "remove", func(ctx context.Context) error {
		var err error
		removed, err = c.Client.ZRem(ctx, Key(group), data).Result()
		return err
	})
	return ok && removed > 0
}

// Len returns the number of cached messages for a group; zero when
// degraded.
func (c *Cache) Len(ctx context.Context, group string) int64 {
	var n int64
	c.run(ctx, "len", func(ctx context.Context) error {
		var err error
		n, err = c.Client.ZCard(ctx, Key(group)).Result()
		return err
	})
	return n
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return trace.Wrap(c.Client.Close())
}
