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

// Package queue implements the queueing engine: the push path over the
// two-tier store, the reservation state machine with visibility
// timeouts, the ack/nack/extend transitions, the dead-letter pipeline,
// the scheduled message promoter, and the consumption-filtered admin
// view.
//
// The durable backend is always the source of truth; the cache is an
// FIFO accelerator that may be stale, and every pop reconciles the two
// tiers when they disagree.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/lightq/lightq"
	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
	"github.com/lightq/lightq/lib/cache"
	"github.com/lightq/lightq/lib/defaults"
	"github.com/lightq/lightq/lib/utils"
)

// Config holds queueing engine options.
type Config struct {
	// Backend is the durable store.
	Backend backend.Backend
	// Cache is the fast tier.
	Cache *cache.Cache
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
	// Log emits engine diagnostics.
	Log *slog.Logger
	// VisibilityTimeout is the exclusive lease granted per reservation.
	VisibilityTimeout time.Duration
	// MaxDeliveryAttempts is the delivery budget before a DLQ move.
	MaxDeliveryAttempts int
	// MessageAllowedToFetch caps view/peek sizes.
	MessageAllowedToFetch int
	// AsyncPersistence switches pushes to write-behind: the cache is
	// written synchronously and the durable insert happens on a worker.
	AsyncPersistence bool
	// AllowAsyncScheduled permits scheduled pushes in write-behind
	// mode. Off by default: a scheduled message never enters the cache,
	// so losing the background insert silently loses the message.
	AllowAsyncScheduled bool
	// IndexCacheMaxGroups bounds the index-ensure memoization.
	IndexCacheMaxGroups int
	// IndexCacheExpire expires index-ensure memoization entries.
	IndexCacheExpire time.Duration
	// WriteBehindWorkers is the resident worker count.
	WriteBehindWorkers int
	// WriteBehindMaxWorkers caps workers spawned under saturation.
	WriteBehindMaxWorkers int
	// WriteBehindQueue is the pending task buffer size.
	WriteBehindQueue int
	// PromoterInterval is the scheduled promoter tick.
	PromoterInterval time.Duration
	// MaxPromotionsPerRun caps promotions per tick.
	MaxPromotionsPerRun int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(lightq.ComponentKey, lightq.ComponentQueue)
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = defaults.MaxDeliveryAttempts
	}
	if c.MessageAllowedToFetch <= 0 {
		c.MessageAllowedToFetch = defaults.MessageAllowedToFetch
	}
	if c.IndexCacheMaxGroups <= 0 {
		c.IndexCacheMaxGroups = defaults.IndexCacheMaxGroups
	}
	if c.IndexCacheExpire <= 0 {
		c.IndexCacheExpire = defaults.IndexCacheExpire
	}
	if c.WriteBehindWorkers <= 0 {
		c.WriteBehindWorkers = defaults.WriteBehindWorkers
	}
	if c.WriteBehindMaxWorkers <= 0 {
		c.WriteBehindMaxWorkers = defaults.WriteBehindMaxWorkers
	}
	if c.WriteBehindMaxWorkers < c.WriteBehindWorkers {
		c.WriteBehindMaxWorkers = c.WriteBehindWorkers
	}
	if c.WriteBehindQueue <= 0 {
		c.WriteBehindQueue = defaults.WriteBehindQueue
	}
	if c.PromoterInterval <= 0 {
		c.PromoterInterval = defaults.PromoterInterval
	}
	if c.MaxPromotionsPerRun <= 0 {
		c.MaxPromotionsPerRun = defaults.MaxPromotionsPerRun
	}
	return nil
}

// Server is the queueing engine.
type Server struct {
	Config
	// indexes memoizes which groups already had their indexes ensured
	// this process, bounded and access-expiring so the set of tracked
	// groups cannot grow without bound.
	indexes *expirable.LRU[string, struct{}]
	wb      *writeBehind
}

// NewServer returns a queueing engine over the given tiers.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(queueCollectors()...); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		Config:  cfg,
		indexes: expirable.NewLRU[string, struct{}](cfg.IndexCacheMaxGroups, nil, cfg.IndexCacheExpire),
	}
	s.wb = newWriteBehind(cfg.WriteBehindWorkers, cfg.WriteBehindMaxWorkers, cfg.WriteBehindQueue, cfg.Log)
	return s, nil
}

// Close drains the write-behind pool.
func (s *Server) Close() {
	s.wb.close()
}

// BatchItem is one element of a batch push.
type BatchItem struct {
	// Content is the opaque payload.
	Content []byte
	// ScheduledAt optionally defers availability.
	ScheduledAt *time.Time
}

// Push validates and stores one message. In write-through mode the
// durable insert happens before return; in write-behind mode the cache
// is written synchronously and the insert is handed to the worker pool.
func (s *Server) Push(ctx context.Context, group string, content []byte, scheduledAt *time.Time) (*types.Message, error) {
	msgs, err := s.push(ctx, group, []BatchItem{{Content: content, ScheduledAt: scheduledAt}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return msgs[0], nil
}

// PushBatch validates and stores a batch of messages with one durable
// bulk insert and one pipelined cache write per group.
func (s *Server) PushBatch(ctx context.Context, group string, items []BatchItem) ([]*types.Message, error) {
	if len(items) == 0 {
		return nil, trace.BadParameter("empty batch")
	}
	msgs, err := s.push(ctx, group, items)
	return msgs, trace.Wrap(err)
}

func (s *Server) push(ctx context.Context, group string, items []BatchItem) ([]*types.Message, error) {
	now := s.Clock.Now()
	// Validation happens for the entire batch before any side effect.
	msgs := make([]*types.Message, 0, len(items))
	cacheable := make([]*types.Message, 0, len(items))
	for _, item := range items {
		msg, err := types.NewMessage(group, item.Content, item.ScheduledAt, now)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		future := msg.ScheduledAt != nil && msg.ScheduledAt.After(now)
		if future && s.AsyncPersistence && !s.AllowAsyncScheduled {
			return nil, trace.BadParameter("scheduled push is not allowed with async persistence: " +
				"the message would exist only in the cache until its durable write completes; " +
				"set allow-async-scheduled to override")
		}
		msgs = append(msgs, msg)
		if !future {
			cacheable = append(cacheable, msg)
		}
	}

	if err := s.ensureIndexes(ctx, group); err != nil {
		return nil, trace.Wrap(err)
	}

	if s.AsyncPersistence {
		s.Cache.AddMany(ctx, cacheable)
		s.submitPersist(group, msgs)
	} else {
		if err := s.persistWithRetry(ctx, func(ctx context.Context) error {
			return s.Backend.InsertMany(ctx, group, msgs)
		}); err != nil {
			return nil, trace.Wrap(err)
		}
		s.Cache.AddMany(ctx, cacheable)
	}

	pushesTotal.WithLabelValues(group).Add(float64(len(msgs)))
	return msgs, nil
}

// submitPersist queues a durable insert on the worker pool. When the
// pool is saturated the insert runs inline instead: slowing the
// producer down is better than holding the only copy in a cache with a
// TTL.
func (s *Server) submitPersist(group string, msgs []*types.Message) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaults.WriteBehindTaskTimeout)
		defer cancel()
		if err := s.persistWithRetry(ctx, func(ctx context.Context) error {
			return s.Backend.InsertMany(ctx, group, msgs)
		}); err != nil {
			s.Log.Error("write-behind persistence failed, messages survive only in cache",
				"group", group, "count", len(msgs), "error", err)
		}
	}
	if !s.wb.submit(task) {
		writeBehindSaturation.Inc()
		s.Log.Warn("write-behind queue full, persisting inline", "group", group)
		task()
	}
}

// persistWithRetry runs a durable write with bounded exponential
// backoff. Validation-class failures are not retried.
func (s *Server) persistWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		First:      defaults.WriteBehindRetryBase,
		Multiplier: 3,
		Max:        defaults.WriteBehindRetryCap,
		Clock:      s.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var lastErr error
	for attempt := 0; attempt < defaults.WriteBehindRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if trace.IsAlreadyExists(lastErr) || trace.IsBadParameter(lastErr) {
			return trace.Wrap(lastErr)
		}
		s.Log.Warn("durable write failed", "attempt", attempt+1, "error", lastErr)
	}
	persistFailures.Inc()
	return trace.Wrap(lastErr)
}

// ensureIndexes creates the group's indexes once per process, memoized
// in the bounded LRU.
func (s *Server) ensureIndexes(ctx context.Context, group string) error {
	if _, ok := s.indexes.Get(group); ok {
		return nil
	}
	if err := s.Backend.EnsureIndexes(ctx, group); err != nil {
		return trace.Wrap(err)
	}
	s.indexes.Add(group, struct{}{})
	return nil
}

// ensureDLQIndexes is the dead-letter counterpart of ensureIndexes.
func (s *Server) ensureDLQIndexes(ctx context.Context, group string) error {
	key := "dlq/" + group
	if _, ok := s.indexes.Get(key); ok {
		return nil
	}
	if err := s.Backend.EnsureDLQIndexes(ctx, group); err != nil {
		return trace.Wrap(err)
	}
	s.indexes.Add(key, struct{}{})
	return nil
}
