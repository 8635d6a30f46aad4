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

// Package memory implements an in-process backend used by tests and by
// single-node deployments that do not need durability. Every operation
// runs under one mutex, which trivially provides the per-call atomicity
// the Backend contract requires.
package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
)

// Config holds memory backend options.
type Config struct {
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// New returns an empty memory backend.
func New(cfg Config) *Backend {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Backend{
		clock:  cfg.Clock,
		groups: make(map[string]map[string]*types.Message),
		dlq:    make(map[string]map[string]*types.DLQEntry),
	}
}

// Backend is a mutex-guarded in-memory document store.
type Backend struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	groups map[string]map[string]*types.Message
	dlq    map[string]map[string]*types.DLQEntry
}

func (b *Backend) collection(group string) map[string]*types.Message {
	coll, ok := b.groups[group]
	if !ok {
		coll = make(map[string]*types.Message)
		b.groups[group] = coll
	}
	return coll
}

func (b *Backend) dlqCollection(group string) map[string]*types.DLQEntry {
	coll, ok := b.dlq[group]
	if !ok {
		coll = make(map[string]*types.DLQEntry)
		b.dlq[group] = coll
	}
	return coll
}

// Insert stores a new live message.
func (b *Backend) Insert(ctx context.Context, group string, msg *types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll := b.collection(group)
	if _, ok := coll[msg.ID]; ok {
		return trace.AlreadyExists("message %q already exists in group %q", msg.ID, group)
	}
	coll[msg.ID] = msg.Clone()
	return nil
}

// InsertMany stores a batch of live messages.
func (b *Backend) InsertMany(ctx context.Context, group string, msgs []*types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll := b.collection(group)
	for _, msg := range msgs {
		if _, ok := coll[msg.ID]; ok {
			return trace.AlreadyExists("message %q already exists in group %q", msg.ID, group)
		}
	}
	for _, msg := range msgs {
		coll[msg.ID] = msg.Clone()
	}
	return nil
}

// Get returns a live message by ID.
func (b *Backend) Get(ctx context.Context, group, id string) (*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.collection(group)[id]
	if !ok {
		return nil, trace.NotFound("message %q not found in group %q", id, group)
	}
	return msg.Clone(), nil
}

// matchSorted returns matching documents, ordered when requested. The
// secondary sort by ID keeps selection deterministic for equal
// timestamps.
func (b *Backend) matchSorted(group string, p backend.Predicate, order backend.SortOrder) []*types.Message {
	var out []*types.Message
	for _, msg := range b.collection(group) {
		if p.Matches(msg) {
			out = append(out, msg)
		}
	}
	if order == backend.ByCreatedAtAsc {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}
	return out
}

// Find returns live messages matching the predicate.
func (b *Backend) Find(ctx context.Context, group string, p backend.Predicate, order backend.SortOrder, limit int) ([]*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := b.matchSorted(group, p, order)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*types.Message, 0, len(matched))
	for _, msg := range matched {
		out = append(out, msg.Clone())
	}
	return out, nil
}

// FindAndModify atomically applies the change to the first match.
func (b *Backend) FindAndModify(ctx context.Context, group string, p backend.Predicate, c backend.Change, order backend.SortOrder, returnNew bool) (*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := b.matchSorted(group, p, order)
	if len(matched) == 0 {
		return nil, trace.NotFound("no message matching predicate in group %q", group)
	}
	target := matched[0]
	before := target.Clone()
	c.Apply(target)
	if returnNew {
		return target.Clone(), nil
	}
	return before, nil
}

// UpdateIf atomically applies the change to every match. The count
// covers modified documents only, matching mongo's ModifiedCount: a
// match the change leaves byte-identical does not count.
func (b *Backend) UpdateIf(ctx context.Context, group string, p backend.Predicate, c backend.Change) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, msg := range b.collection(group) {
		if !p.Matches(msg) {
			continue
		}
		before := msg.Clone()
		c.Apply(msg)
		if !reflect.DeepEqual(before, msg) {
			n++
		}
	}
	return n, nil
}

// Remove deletes matching live documents.
func (b *Backend) Remove(ctx context.Context, group string, p backend.Predicate) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll := b.collection(group)
	var n int64
	for id, msg := range coll {
		if p.Matches(msg) {
			delete(coll, id)
			n++
		}
	}
	return n, nil
}

// InsertDLQ stores a dead-letter entry.
func (b *Backend) InsertDLQ(ctx context.Context, group string, entry *types.DLQEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll := b.dlqCollection(group)
	if _, ok := coll[entry.ID]; ok {
		return trace.AlreadyExists("dlq entry %q already exists in group %q", entry.ID, group)
	}
	cloned := *entry
	cloned.Content = append([]byte(nil), entry.Content...)
	coll[entry.ID] = &cloned
	return nil
}

// GetDLQ returns a dead-letter entry by ID.
func (b *Backend) GetDLQ(ctx context.Context, group, id string) (*types.DLQEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.dlqCollection(group)[id]
	if !ok {
		return nil, trace.NotFound("dlq entry %q not found in group %q", id, group)
	}
	cloned := *entry
	cloned.Content = append([]byte(nil), entry.Content...)
	return &cloned, nil
}

// FindDLQ returns up to limit dead-letter entries, newest failure first.
func (b *Backend) FindDLQ(ctx context.Context, group string, limit int) ([]*types.DLQEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.DLQEntry
	for _, entry := range b.dlqCollection(group) {
		cloned := *entry
		cloned.Content = append([]byte(nil), entry.Content...)
		out = append(out, &cloned)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RemoveDLQ deletes a dead-letter entry.
func (b *Backend) RemoveDLQ(ctx context.Context, group, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll := b.dlqCollection(group)
	if _, ok := coll[id]; !ok {
		return false, nil
	}
	delete(coll, id)
	return true, nil
}

// Groups lists consumer groups seen by this backend.
func (b *Backend) Groups(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.groups))
	for group := range b.groups {
		out = append(out, group)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureIndexes is a no-op: the memory backend has no indexes and no
// TTL expiry.
func (b *Backend) EnsureIndexes(ctx context.Context, group string) error {
	return nil
}

// EnsureDLQIndexes is a no-op.
func (b *Backend) EnsureDLQIndexes(ctx context.Context, group string) error {
	return nil
}

// Clock returns the backend clock.
func (b *Backend) Clock() clockwork.Clock {
	return b.clock
}

// Close releases resources.
func (b *Backend) Close(ctx context.Context) error {
	return nil
}
