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

// Package backend provides the durable storage abstraction layer.
//
// A backend holds one document collection per consumer group, named
// exactly after the group, plus a dead-letter sub-collection per group.
// All state transitions are expressed as conditional updates executed
// atomically inside the store; callers never read-then-write.
package backend

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lightq/lightq/api/types"
)

// SortOrder selects the ordering of multi-document reads and of the
// candidate selection in FindAndModify.
type SortOrder int

const (
	// Unsorted leaves the order up to the store.
	Unsorted SortOrder = iota
	// ByCreatedAtAsc orders oldest first.
	ByCreatedAtAsc
)

// Predicate is the closed query form understood by every backend.
// Zero-valued fields do not constrain the match. All backends interpret
// a predicate identically, so engine semantics do not depend on the
// storage engine in use.
type Predicate struct {
	// ID matches the document primary key.
	ID string
	// IDs matches any of the given primary keys.
	IDs []string
	// ExcludeIDs rejects the given primary keys.
	ExcludeIDs []string
	// Consumed matches the terminal flag.
	Consumed *bool
	// ReservableAt matches documents whose lease and schedule have both
	// elapsed at the given instant: reservedUntil is unset or <= t, and
	// scheduledAt is unset or <= t.
	ReservableAt *time.Time
	// DueAt matches documents with a schedule that has elapsed:
	// scheduledAt is set and <= t.
	DueAt *time.Time
	// ReservedAfter matches documents holding a live lease:
	// reservedUntil > t.
	ReservedAfter *time.Time
}

// Matches reports whether a message satisfies the predicate. Backends
// without server-side filtering evaluate this directly; the mongo
// backend compiles the same conditions to a filter document.
func (p Predicate) Matches(m *types.Message) bool {
	if p.ID != "" && m.ID != p.ID {
		return false
	}
	if len(p.IDs) != 0 && !contains(p.IDs, m.ID) {
		return false
	}
	if contains(p.ExcludeIDs, m.ID) {
		return false
	}
	if p.Consumed != nil && m.Consumed != *p.Consumed {
		return false
	}
	if p.ReservableAt != nil {
		if m.ReservedUntil != nil && m.ReservedUntil.After(*p.ReservableAt) {
			return false
		}
		if m.ScheduledAt != nil && m.ScheduledAt.After(*p.ReservableAt) {
			return false
		}
	}
	if p.DueAt != nil {
		if m.ScheduledAt == nil || m.ScheduledAt.After(*p.DueAt) {
			return false
		}
	}
	if p.ReservedAfter != nil {
		if m.ReservedUntil == nil || !m.ReservedUntil.After(*p.ReservedAfter) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Change is the closed update form understood by every backend. All set
// fields are applied as a single atomic mutation.
type Change struct {
	// SetConsumed sets the terminal flag.
	SetConsumed *bool
	// SetReservedUntil sets the lease end.
	SetReservedUntil *time.Time
	// ClearReservedUntil releases the lease.
	ClearReservedUntil bool
	// SetLastError records a nack reason.
	SetLastError *string
	// SetLastDeliveryAt records a reservation time.
	SetLastDeliveryAt *time.Time
	// ClearScheduledAt removes the delivery schedule.
	ClearScheduledAt bool
	// IncDeliveryCount increments the delivery counter.
	IncDeliveryCount int
}

// Apply mutates a message in place according to the change.
func (c Change) Apply(m *types.Message) {
	if c.SetConsumed != nil {
		m.Consumed = *c.SetConsumed
	}
	if c.SetReservedUntil != nil {
		t := c.SetReservedUntil.UTC().Truncate(time.Millisecond)
		m.ReservedUntil = &t
	}
	if c.ClearReservedUntil {
		m.ReservedUntil = nil
	}
	if c.SetLastError != nil {
		m.LastError = *c.SetLastError
	}
	if c.SetLastDeliveryAt != nil {
		t := c.SetLastDeliveryAt.UTC().Truncate(time.Millisecond)
		m.LastDeliveryAt = &t
	}
	if c.ClearScheduledAt {
		m.ScheduledAt = nil
	}
	m.DeliveryCount += c.IncDeliveryCount
}

// Backend implements the durable message store. Implementations must
// guarantee that FindAndModify and UpdateIf are atomic: concurrent calls
// with overlapping predicates never both observe the same pre-image.
type Backend interface {
	// Insert stores a new live message; AlreadyExists on ID collision.
	Insert(ctx context.Context, group string, msg *types.Message) error

	// InsertMany stores a batch of live messages.
	InsertMany(ctx context.Context, group string, msgs []*types.Message) error

	// Get returns a live message by ID or NotFound.
	Get(ctx context.Context, group, id string) (*types.Message, error)

	// Find returns live messages matching the predicate.
	Find(ctx context.Context, group string, p Predicate, sort SortOrder, limit int) ([]*types.Message, error)

	// FindAndModify atomically applies the change to the first matching
	// document and returns it (post-image when returnNew, pre-image
	// otherwise). Returns NotFound when nothing matched.
	FindAndModify(ctx context.Context, group string, p Predicate, c Change, sort SortOrder, returnNew bool) (*types.Message, error)

	// UpdateIf atomically applies the change to every matching document
	// and returns the number modified.
	UpdateIf(ctx context.Context, group string, p Predicate, c Change) (int64, error)

	// Remove deletes matching live documents and returns the number
	// removed.
	Remove(ctx context.Context, group string, p Predicate) (int64, error)

	// InsertDLQ stores a dead-letter entry in the group's sub-collection.
	InsertDLQ(ctx context.Context, group string, entry *types.DLQEntry) error

	// GetDLQ returns a dead-letter entry by ID or NotFound.
	GetDLQ(ctx context.Context, group, id string) (*types.DLQEntry, error)

	// FindDLQ returns up to limit dead-letter entries, most recently
	// failed first.
	FindDLQ(ctx context.Context, group string, limit int) ([]*types.DLQEntry, error)

	// RemoveDLQ deletes a dead-letter entry, reporting whether one
	// existed.
	RemoveDLQ(ctx context.Context, group, id string) (bool, error)

	// Groups lists the consumer groups known to the store, used by the
	// scheduled promoter to sweep every group's due messages.
	Groups(ctx context.Context) ([]string, error)

	// EnsureIndexes creates the group's TTL and reservation indexes.
	// Safe to call repeatedly; callers memoize per group.
	EnsureIndexes(ctx context.Context, group string) error

	// EnsureDLQIndexes creates the group's dead-letter TTL index when
	// dead-letter expiry is configured.
	EnsureDLQIndexes(ctx context.Context, group string) error

	// Clock returns the clock used by this backend.
	Clock() clockwork.Clock

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// DLQCollection derives the dead-letter sub-collection name for a group.
func DLQCollection(group, suffix string) string {
	return group + suffix
}
