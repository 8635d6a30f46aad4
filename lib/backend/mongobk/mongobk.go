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

// Package mongobk implements the durable backend on MongoDB. Each
// consumer group maps to a collection named exactly after the group;
// dead-letter entries live in a sibling collection with a configurable
// suffix. Conditional updates compile to server-side findAndModify /
// updateMany, which is what makes reservations and acks atomic.
package mongobk

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
	"github.com/lightq/lightq/lib/defaults"
)

// Config holds mongo backend options.
type Config struct {
	// URI is the mongodb connection string.
	URI string
	// Database holds the per-group collections.
	Database string
	// DLQSuffix is appended to group names for dead-letter collections.
	DLQSuffix string
	// PersistenceTTL expires consumed live documents.
	PersistenceTTL time.Duration
	// DLQTTL expires dead-letter entries; zero disables expiry.
	DLQTTL time.Duration
	// CallTimeout bounds every store call.
	CallTimeout time.Duration
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
	// Log emits backend diagnostics.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing parameter URI")
	}
	if c.Database == "" {
		c.Database = defaults.MongoDatabase
	}
	if c.DLQSuffix == "" {
		c.DLQSuffix = defaults.DLQSuffix
	}
	if c.PersistenceTTL <= 0 {
		c.PersistenceTTL = defaults.PersistenceDuration
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaults.MongoCallTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// New connects to mongo and returns the backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, trace.Wrap(err, "connecting to mongodb at %v", cfg.URI)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, trace.Wrap(err, "pinging mongodb at %v", cfg.URI)
	}
	return &Backend{
		Config: cfg,
		client: client,
		db:     client.Database(cfg.Database),
	}, nil
}

// Backend is the MongoDB implementation of backend.Backend.
type Backend struct {
	Config
	client *mongo.Client
	db     *mongo.Database
}

func (b *Backend) coll(group string) *mongo.Collection {
	return b.db.Collection(group)
}

func (b *Backend) dlqColl(group string) *mongo.Collection {
	return b.db.Collection(backend.DLQCollection(group, b.DLQSuffix))
}

func (b *Backend) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.CallTimeout)
}

// compileFilter translates the closed predicate form into a mongo
// filter document. Time comparisons rely on BSON type bracketing:
// {$lte: <date>} never matches a null or missing field, while
// {field: nil} matches both.
func compileFilter(p backend.Predicate) bson.M {
	filter := bson.M{}
	switch {
	case p.ID != "":
		filter["_id"] = p.ID
	case len(p.IDs) != 0:
		filter["_id"] = bson.M{"$in": p.IDs}
	case len(p.ExcludeIDs) != 0:
		filter["_id"] = bson.M{"$nin": p.ExcludeIDs}
	}
	if p.Consumed != nil {
		filter["consumed"] = *p.Consumed
	}
	if p.ReservableAt != nil {
		t := p.ReservableAt.UTC()
		filter["$and"] = bson.A{
			bson.M{"$or": bson.A{
				bson.M{"reservedUntil": nil},
				bson.M{"reservedUntil": bson.M{"$lte": t}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"scheduledAt": nil},
				bson.M{"scheduledAt": bson.M{"$lte": t}},
			}},
		}
	}
	if p.DueAt != nil {
		filter["scheduledAt"] = bson.M{"$lte": p.DueAt.UTC()}
	}
	if p.ReservedAfter != nil {
		filter["reservedUntil"] = bson.M{"$gt": p.ReservedAfter.UTC()}
	}
	return filter
}

// compileUpdate translates the closed change form into a mongo update
// document.
func compileUpdate(c backend.Change) bson.M {
	set := bson.M{}
	unset := bson.M{}
	if c.SetConsumed != nil {
		set["consumed"] = *c.SetConsumed
	}
	if c.SetReservedUntil != nil {
		set["reservedUntil"] = c.SetReservedUntil.UTC()
	}
	if c.ClearReservedUntil {
		set["reservedUntil"] = nil
	}
	if c.SetLastError != nil {
		set["lastError"] = *c.SetLastError
	}
	if c.SetLastDeliveryAt != nil {
		set["lastDeliveryAt"] = c.SetLastDeliveryAt.UTC()
	}
	if c.ClearScheduledAt {
		unset["scheduledAt"] = ""
	}
	update := bson.M{}
	if len(set) != 0 {
		update["$set"] = set
	}
	if len(unset) != 0 {
		update["$unset"] = unset
	}
	if c.IncDeliveryCount != 0 {
		update["$inc"] = bson.M{"deliveryCount": c.IncDeliveryCount}
	}
	return update
}

// Insert stores a new live message.
func (b *Backend) Insert(ctx context.Context, group string, msg *types.Message) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	if _, err := b.coll(group).InsertOne(ctx, msg); err != nil {
		return trace.Wrap(convertError(err))
	}
	return nil
}

// InsertMany stores a batch of live messages.
func (b *Backend) InsertMany(ctx context.Context, group string, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		docs = append(docs, msg)
	}
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	if _, err := b.coll(group).InsertMany(ctx, docs); err != nil {
		return trace.Wrap(convertError(err))
	}
	return nil
}

// Get returns a live message by ID.
func (b *Backend) Get(ctx context.Context, group, id string) (*types.Message, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	var msg types.Message
	err := b.coll(group).FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, trace.NotFound("message %q not found in group %q", id, group)
		}
		return nil, trace.Wrap(err)
	}
	return &msg, nil
}

func compileSort(order backend.SortOrder) bson.D {
	if order == backend.ByCreatedAtAsc {
		return bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}
	}
	return nil
}

// Find returns live messages matching the predicate.
func (b *Backend) Find(ctx context.Context, group string, p backend.Predicate, order backend.SortOrder, limit int) ([]*types.Message, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	opts := options.Find()
	if s := compileSort(order); s != nil {
		opts.SetSort(s)
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := b.coll(group).Find(ctx, compileFilter(p), opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cursor.Close(ctx)
	var out []*types.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// FindAndModify atomically applies the change to the first match.
func (b *Backend) FindAndModify(ctx context.Context, group string, p backend.Predicate, c backend.Change, order backend.SortOrder, returnNew bool) (*types.Message, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	opts := options.FindOneAndUpdate()
	if returnNew {
		opts.SetReturnDocument(options.After)
	} else {
		opts.SetReturnDocument(options.Before)
	}
	if s := compileSort(order); s != nil {
		opts.SetSort(s)
	}
	var msg types.Message
	err := b.coll(group).FindOneAndUpdate(ctx, compileFilter(p), compileUpdate(c), opts).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, trace.NotFound("no message matching predicate in group %q", group)
		}
		return nil, trace.Wrap(err)
	}
	return &msg, nil
}

// UpdateIf atomically applies the change to every match.
func (b *Backend) UpdateIf(ctx context.Context, group string, p backend.Predicate, c backend.Change) (int64, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	res, err := b.coll(group).UpdateMany(ctx, compileFilter(p), compileUpdate(c))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return res.ModifiedCount, nil
}

// Remove deletes matching live documents.
func (b *Backend) Remove(ctx context.Context, group string, p backend.Predicate) (int64, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	res, err := b.coll(group).DeleteMany(ctx, compileFilter(p))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return res.DeletedCount, nil
}

// InsertDLQ stores a dead-letter entry.
func (b *Backend) InsertDLQ(ctx context.Context, group string, entry *types.DLQEntry) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	if _, err := b.dlqColl(group).InsertOne(ctx, entry); err != nil {
		return trace.Wrap(convertError(err))
	}
	return nil
}

// GetDLQ returns a dead-letter entry by ID.
func (b *Backend) GetDLQ(ctx context.Context, group, id string) (*types.DLQEntry, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	var entry types.DLQEntry
	err := b.dlqColl(group).FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, trace.NotFound("dlq entry %q not found in group %q", id, group)
		}
		return nil, trace.Wrap(err)
	}
	return &entry, nil
}

// FindDLQ returns up to limit dead-letter entries, newest failure first.
func (b *Backend) FindDLQ(ctx context.Context, group string, limit int) ([]*types.DLQEntry, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "failedAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := b.dlqColl(group).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cursor.Close(ctx)
	var out []*types.DLQEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// RemoveDLQ deletes a dead-letter entry.
func (b *Backend) RemoveDLQ(ctx context.Context, group, id string) (bool, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	res, err := b.dlqColl(group).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return res.DeletedCount > 0, nil
}

// Groups lists live collections, excluding dead-letter sub-collections
// and anything that is not a valid group name.
func (b *Backend) Groups(ctx context.Context) ([]string, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	names, err := b.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasSuffix(name, b.DLQSuffix) {
			continue
		}
		if types.CheckGroupName(name) != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureIndexes creates the group's indexes:
//
//  1. partial TTL on createdAt scoped to consumed documents, so the
//     live collection sheds terminal records after the retention window
//  2. a compound index ordered for the reservation query
//     (equality on consumed, sort on createdAt, ranges on
//     reservedUntil/scheduledAt)
func (b *Backend) EnsureIndexes(ctx context.Context, group string) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	_, err := b.coll(group).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().
				SetName("consumed-ttl").
				SetExpireAfterSeconds(int32(b.PersistenceTTL.Seconds())).
				SetPartialFilterExpression(bson.M{"consumed": true}),
		},
		{
			Keys: bson.D{
				{Key: "consumed", Value: 1},
				{Key: "createdAt", Value: 1},
				{Key: "reservedUntil", Value: 1},
				{Key: "scheduledAt", Value: 1},
			},
			Options: options.Index().SetName("reservation"),
		},
	})
	if err != nil {
		return trace.Wrap(err, "ensuring indexes for group %q", group)
	}
	return nil
}

// EnsureDLQIndexes creates the dead-letter TTL index when expiry is
// configured.
func (b *Backend) EnsureDLQIndexes(ctx context.Context, group string) error {
	if b.DLQTTL <= 0 {
		return nil
	}
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	_, err := b.dlqColl(group).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().
			SetName("dlq-ttl").
			SetExpireAfterSeconds(int32(b.DLQTTL.Seconds())),
	})
	if err != nil {
		return trace.Wrap(err, "ensuring dlq indexes for group %q", group)
	}
	return nil
}

// Clock returns the backend clock.
func (b *Backend) Clock() clockwork.Clock {
	return b.Config.Clock
}

// Close disconnects from mongo.
func (b *Backend) Close(ctx context.Context) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()
	return trace.Wrap(b.client.Disconnect(ctx))
}

// convertError maps duplicate key failures to AlreadyExists so the
// engine can tell ID collisions from transient store errors.
func convertError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return trace.AlreadyExists("%s", err.Error())
	}
	return err
}
