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

// Package service assembles the process: durable backend, cache, the
// queueing engine with its scheduled promoter, and the HTTP API, plus
// coordinated shutdown of all of them.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lightq/lightq"
	"github.com/lightq/lightq/lib/backend"
	"github.com/lightq/lightq/lib/backend/memory"
	"github.com/lightq/lightq/lib/backend/mongobk"
	"github.com/lightq/lightq/lib/cache"
	"github.com/lightq/lightq/lib/defaults"
	"github.com/lightq/lightq/lib/queue"
	"github.com/lightq/lightq/lib/web"
)

// memoryScheme selects the in-process backend instead of mongo.
const memoryScheme = "memory://"

// Config holds process options, fully resolved from the config file and
// command line before Run is called.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// MongoURI selects the durable store. The "memory://" scheme runs
	// the in-process backend, losing durability across restarts.
	MongoURI string
	// MongoDatabase holds the per-group collections.
	MongoDatabase string
	// RedisAddr is the cache address.
	RedisAddr string

	// DLQSuffix names each group's dead-letter collection.
	DLQSuffix string
	// PersistenceTTL retires consumed messages from the durable store.
	PersistenceTTL time.Duration
	// DLQTTL retires dead-letter entries; zero keeps them forever.
	DLQTTL time.Duration
	// CacheTTL is the cache key expiry.
	CacheTTL time.Duration
	// CacheMaxEntriesPerGroup caps each group's cached set.
	CacheMaxEntriesPerGroup int
	// RedisCommandTimeout bounds each redis command.
	RedisCommandTimeout time.Duration

	// VisibilityTimeout is the exclusive lease granted per reservation.
	VisibilityTimeout time.Duration
	// MaxDeliveryAttempts is the delivery budget before a DLQ move.
	MaxDeliveryAttempts int
	// MessageAllowedToFetch caps view/peek sizes.
	MessageAllowedToFetch int
	// AsyncPersistence switches pushes to write-behind.
	AsyncPersistence bool
	// AllowAsyncScheduled permits scheduled pushes in write-behind mode.
	AllowAsyncScheduled bool
	// PromoterInterval is the scheduled promoter tick.
	PromoterInterval time.Duration
	// IndexCacheMaxGroups bounds the index-ensure memoization.
	IndexCacheMaxGroups int
	// IndexCacheExpire expires index-ensure memoization entries.
	IndexCacheExpire time.Duration
	// WriteBehindWorkers, WriteBehindMaxWorkers and WriteBehindQueue
	// size the background persistence pool.
	WriteBehindWorkers    int
	WriteBehindMaxWorkers int
	WriteBehindQueue      int

	// Users are the static subscribers; empty means open access.
	Users []web.User
	// RateLimitPerSecond throttles each subscriber; zero disables.
	RateLimitPerSecond float64
	// RateLimitBurst is the per-subscriber burst allowance.
	RateLimitBurst int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
	// Log is the process root logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.MongoURI == "" {
		c.MongoURI = defaults.MongoURI
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = defaults.MongoDatabase
	}
	if c.RedisAddr == "" {
		c.RedisAddr = defaults.RedisAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Run starts the process and blocks until ctx is canceled or a fatal
// component error occurs, then shuts everything down in dependency
// order within ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	log := cfg.Log.With(lightq.ComponentKey, lightq.ComponentProcess)

	bk, err := newBackend(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	messageCache, err := cache.New(cache.Config{
		Client:             redisClient,
		TTL:                cfg.CacheTTL,
		MaxEntriesPerGroup: cfg.CacheMaxEntriesPerGroup,
		CommandTimeout:     cfg.RedisCommandTimeout,
		Clock:              cfg.Clock,
		Log:                cfg.Log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	engine, err := queue.NewServer(queue.Config{
		Backend:               bk,
		Cache:                 messageCache,
		Clock:                 cfg.Clock,
		Log:                   cfg.Log,
		VisibilityTimeout:     cfg.VisibilityTimeout,
		MaxDeliveryAttempts:   cfg.MaxDeliveryAttempts,
		MessageAllowedToFetch: cfg.MessageAllowedToFetch,
		AsyncPersistence:      cfg.AsyncPersistence,
		AllowAsyncScheduled:   cfg.AllowAsyncScheduled,
		IndexCacheMaxGroups:   cfg.IndexCacheMaxGroups,
		IndexCacheExpire:      cfg.IndexCacheExpire,
		WriteBehindWorkers:    cfg.WriteBehindWorkers,
		WriteBehindMaxWorkers: cfg.WriteBehindMaxWorkers,
		WriteBehindQueue:      cfg.WriteBehindQueue,
		PromoterInterval:      cfg.PromoterInterval,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Queue:              engine,
		Authorizer:         web.NewStaticAuthorizer(cfg.Users),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		Log:                cfg.Log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		engine.RunPromoter(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", "addr", cfg.ListenAddr, "version", lightq.Version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(srv.Shutdown(shutdownCtx))
	})

	runErr := g.Wait()
	log.Info("shutting down")

	// Stores close after the HTTP server and the write-behind pool so
	// every in-flight request and queued durable write can complete.
	engine.Close()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer closeCancel()
	if err := messageCache.Close(); err != nil {
		log.Warn("cache close failed", "error", err)
	}
	if err := bk.Close(closeCtx); err != nil {
		log.Warn("backend close failed", "error", err)
	}
	return trace.Wrap(runErr)
}

func newBackend(ctx context.Context, cfg Config) (backend.Backend, error) {
	if strings.HasPrefix(cfg.MongoURI, memoryScheme) {
		cfg.Log.Warn("running on the in-process backend, messages will not survive restarts")
		return memory.New(memory.Config{Clock: cfg.Clock}), nil
	}
	bk, err := mongobk.New(ctx, mongobk.Config{
		URI:            cfg.MongoURI,
		Database:       cfg.MongoDatabase,
		DLQSuffix:      cfg.DLQSuffix,
		PersistenceTTL: cfg.PersistenceTTL,
		DLQTTL:         cfg.DLQTTL,
		Clock:          cfg.Clock,
		Log:            cfg.Log,
	})
	return bk, trace.Wrap(err)
}
