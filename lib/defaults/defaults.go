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

// Package defaults contains default constants set in various parts of
// the lightq codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address the API listens on.
	HTTPListenAddr = ":8980"

	// MongoURI is the default durable store connection string.
	MongoURI = "mongodb://localhost:27017"

	// MongoDatabase is the default database holding per-group collections.
	MongoDatabase = "lightq"

	// RedisAddr is the default cache address.
	RedisAddr = "localhost:6379"
)

const (
	// MessageAllowedToFetch caps view/peek sizes.
	MessageAllowedToFetch = 50

	// PersistenceDuration is how long consumed documents are retained
	// before the partial TTL index expires them.
	PersistenceDuration = 30 * time.Minute

	// CacheTTL is the expiry refreshed on every cache write.
	CacheTTL = 5 * time.Minute

	// CacheMaxEntriesPerGroup bounds each group's cached set. Overflow
	// drops the newest entries; the durable store still has them.
	CacheMaxEntriesPerGroup = 1000

	// VisibilityTimeout is the exclusive lease granted by a reservation.
	VisibilityTimeout = 30 * time.Second

	// MaxDeliveryAttempts is the delivery budget before a message is
	// diverted to the dead-letter queue.
	MaxDeliveryAttempts = 3

	// DLQSuffix is appended to the group name to form the DLQ
	// sub-collection name.
	DLQSuffix = "-dlq"

	// DLQTTL of zero disables expiry of dead-letter entries.
	DLQTTL = 0 * time.Minute

	// PromoterInterval is the scheduled promoter tick.
	PromoterInterval = 5 * time.Second

	// MaxPromotionsPerRun caps the work done in one promoter tick;
	// backlog beyond the cap rolls over to the next tick.
	MaxPromotionsPerRun = 100

	// CachePeekLimit caps how many cache candidates a single pop
	// inspects before falling back to the durable FIFO scan.
	CachePeekLimit = 10
)

const (
	// IndexCacheMaxGroups bounds the index-ensure memoization LRU.
	IndexCacheMaxGroups = 1000

	// IndexCacheExpire is the access expiry of index-ensure memoization.
	IndexCacheExpire = 60 * time.Minute
)

const (
	// RedisCommandTimeout bounds every individual cache command.
	RedisCommandTimeout = 2 * time.Second

	// ShutdownTimeout bounds graceful teardown of the whole process.
	ShutdownTimeout = 5 * time.Second

	// MongoCallTimeout bounds every durable store call.
	MongoCallTimeout = 5 * time.Second
)

const (
	// WriteBehindWorkers is the number of background persistence workers.
	WriteBehindWorkers = 5

	// WriteBehindMaxWorkers is the upper bound on persistence workers.
	WriteBehindMaxWorkers = 10

	// WriteBehindQueue is the pending task buffer; submissions beyond it
	// are dropped and counted.
	WriteBehindQueue = 25

	// WriteBehindRetryBase is the first backoff step of a failed
	// background persist.
	WriteBehindRetryBase = 100 * time.Millisecond

	// WriteBehindRetryCap caps the backoff between persist attempts.
	WriteBehindRetryCap = time.Second

	// WriteBehindRetryAttempts is the persist attempt budget.
	WriteBehindRetryAttempts = 3

	// WriteBehindTaskTimeout bounds one background persist including all
	// of its retries.
	WriteBehindTaskTimeout = 10 * time.Second
)
