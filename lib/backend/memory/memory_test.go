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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
)

func newMessage(t *testing.T, group string, createdAt time.Time) *types.Message {
	t.Helper()
	msg, err := types.NewMessage(group, []byte("payload"), nil, createdAt)
	require.NoError(t, err)
	return msg
}

func TestInsertGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	msg := newMessage(t, "orders", time.Now())

	require.NoError(t, bk.Insert(ctx, "orders", msg))
	require.True(t, trace.IsAlreadyExists(bk.Insert(ctx, "orders", msg)))

	got, err := bk.Get(ctx, "orders", msg.ID)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	_, err = bk.Get(ctx, "orders", "no-such-id")
	require.True(t, trace.IsNotFound(err))

	// Groups are isolated: the same ID does not exist elsewhere.
	_, err = bk.Get(ctx, "payments", msg.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestInsertManyAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	now := time.Now()
	first := newMessage(t, "orders", now)
	require.NoError(t, bk.Insert(ctx, "orders", first))

	fresh := newMessage(t, "orders", now)
	// A batch colliding on any ID inserts nothing.
	err := bk.InsertMany(ctx, "orders", []*types.Message{fresh, first})
	require.True(t, trace.IsAlreadyExists(err))
	_, err = bk.Get(ctx, "orders", fresh.ID)
	require.True(t, trace.IsNotFound(err))
}

func TestFindSorted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		msg := newMessage(t, "orders", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, bk.Insert(ctx, "orders", msg))
		ids = append(ids, msg.ID)
	}

	found, err := bk.Find(ctx, "orders", backend.Predicate{}, backend.ByCreatedAtAsc, 0)
	require.NoError(t, err)
	require.Len(t, found, 5)
	for i, msg := range found {
		require.Equal(t, ids[i], msg.ID)
	}

	found, err = bk.Find(ctx, "orders", backend.Predicate{ExcludeIDs: ids[:3]}, backend.ByCreatedAtAsc, 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, ids[3], found[0].ID)

	found, err = bk.Find(ctx, "orders", backend.Predicate{}, backend.ByCreatedAtAsc, 2)
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestFindAndModifyReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk := New(Config{Clock: clock})
	now := clock.Now()
	msg := newMessage(t, "orders", now)
	require.NoError(t, bk.Insert(ctx, "orders", msg))

	unconsumed := false
	until := now.Add(30 * time.Second)
	reserve := func(at time.Time) (*types.Message, error) {
		return bk.FindAndModify(ctx, "orders",
			backend.Predicate{Consumed: &unconsumed, ReservableAt: &at},
			backend.Change{IncDeliveryCount: 1, SetReservedUntil: &until, SetLastDeliveryAt: &at},
			backend.ByCreatedAtAsc, true)
	}

	reserved, err := reserve(now)
	require.NoError(t, err)
	require.Equal(t, msg.ID, reserved.ID)
	require.Equal(t, 1, reserved.DeliveryCount)
	require.NotNil(t, reserved.ReservedUntil)

	// Lease held: a second reservation finds nothing.
	_, err = reserve(now)
	require.True(t, trace.IsNotFound(err))

	// Lease elapsed: reservable again, counter keeps growing.
	reserved, err = reserve(until)
	require.NoError(t, err)
	require.Equal(t, 2, reserved.DeliveryCount)
}

func TestFindAndModifyPreImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	msg, err := types.NewMessage("orders", []byte("payload"), &due, now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, bk.Insert(ctx, "orders", msg))

	unconsumed := false
	prior, err := bk.FindAndModify(ctx, "orders",
		backend.Predicate{Consumed: &unconsumed, DueAt: &now},
		backend.Change{ClearScheduledAt: true},
		backend.ByCreatedAtAsc, false)
	require.NoError(t, err)
	require.NotNil(t, prior.ScheduledAt, "pre-image keeps the schedule")

	stored, err := bk.Get(ctx, "orders", msg.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ScheduledAt, "stored document lost the schedule")

	// Nothing due anymore.
	_, err = bk.FindAndModify(ctx, "orders",
		backend.Predicate{Consumed: &unconsumed, DueAt: &now},
		backend.Change{ClearScheduledAt: true},
		backend.ByCreatedAtAsc, false)
	require.True(t, trace.IsNotFound(err))
}

func TestUpdateIf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	now := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		msg := newMessage(t, "orders", now)
		require.NoError(t, bk.Insert(ctx, "orders", msg))
		ids = append(ids, msg.ID)
	}

	unconsumed, consumed := false, true
	n, err := bk.UpdateIf(ctx, "orders",
		backend.Predicate{IDs: ids[:2], Consumed: &unconsumed},
		backend.Change{SetConsumed: &consumed, ClearReservedUntil: true})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// Already consumed: nothing transitions twice.
	n, err = bk.UpdateIf(ctx, "orders",
		backend.Predicate{IDs: ids[:2], Consumed: &unconsumed},
		backend.Change{SetConsumed: &consumed})
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	remaining, err := bk.Find(ctx, "orders", backend.Predicate{Consumed: &unconsumed}, backend.Unsorted, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, ids[2], remaining[0].ID)
}

// Concurrent reservations of a single message must produce exactly one
// winner.
func TestFindAndModifyExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	now := time.Now()
	msg := newMessage(t, "orders", now)
	require.NoError(t, bk.Insert(ctx, "orders", msg))

	const poppers = 16
	var wg sync.WaitGroup
	wins := make(chan string, poppers)
	for i := 0; i < poppers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unconsumed := false
			until := now.Add(time.Minute)
			reserved, err := bk.FindAndModify(ctx, "orders",
				backend.Predicate{Consumed: &unconsumed, ReservableAt: &now},
				backend.Change{IncDeliveryCount: 1, SetReservedUntil: &until},
				backend.Unsorted, true)
			if err == nil {
				wins <- reserved.ID
			}
		}()
	}
	wg.Wait()
	close(wins)
	var winners int
	for range wins {
		winners++
	}
	require.Equal(t, 1, winners)

	stored, err := bk.Get(ctx, "orders", msg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.DeliveryCount)
}

func TestDLQ(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	bk := New(Config{Clock: clock})
	now := clock.Now()

	var entries []*types.DLQEntry
	for i := 0; i < 3; i++ {
		msg := newMessage(t, "orders", now)
		entry := types.NewDLQEntry(msg, "max-deliveries", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, bk.InsertDLQ(ctx, "orders", entry))
		entries = append(entries, entry)
	}
	require.True(t, trace.IsAlreadyExists(bk.InsertDLQ(ctx, "orders", entries[0])))

	got, err := bk.GetDLQ(ctx, "orders", entries[1].ID)
	require.NoError(t, err)
	require.Equal(t, entries[1].ID, got.ID)

	// Newest failure first.
	found, err := bk.FindDLQ(ctx, "orders", 2)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, entries[2].ID, found[0].ID)
	require.Equal(t, entries[1].ID, found[1].ID)

	removed, err := bk.RemoveDLQ(ctx, "orders", entries[0].ID)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = bk.RemoveDLQ(ctx, "orders", entries[0].ID)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	now := time.Now()
	for _, group := range []string{"orders", "payments", "audit"} {
		require.NoError(t, bk.Insert(ctx, group, newMessage(t, group, now)))
	}
	groups, err := bk.Groups(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"audit", "orders", "payments"}, groups)
}

func TestCloneIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	msg := newMessage(t, "orders", time.Now())
	require.NoError(t, bk.Insert(ctx, "orders", msg))

	// Mutating what callers hold must not leak into the store.
	msg.Content[0] = 'X'
	got, err := bk.Get(ctx, "orders", msg.ID)
	require.NoError(t, err)
	require.Equal(t, byte('p'), got.Content[0])

	got.Consumed = true
	again, err := bk.Get(ctx, "orders", msg.ID)
	require.NoError(t, err)
	require.False(t, again.Consumed)
}

// The update count must match mongo's ModifiedCount semantics: a match
// the change leaves identical does not count, so release-lease outcomes
// do not depend on the backend in use.
func TestUpdateIfCountsOnlyModified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	msg := newMessage(t, "orders", time.Now())
	require.NoError(t, bk.Insert(ctx, "orders", msg))

	release := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	reason := "worker crashed"
	unconsumed := false
	change := backend.Change{SetReservedUntil: &release, SetLastError: &reason}

	n, err := bk.UpdateIf(ctx, "orders", backend.Predicate{ID: msg.ID, Consumed: &unconsumed}, change)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Identical change, identical document: matched but not modified.
	n, err = bk.UpdateIf(ctx, "orders", backend.Predicate{ID: msg.ID, Consumed: &unconsumed}, change)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	otherReason := "timeout"
	n, err = bk.UpdateIf(ctx, "orders", backend.Predicate{ID: msg.ID, Consumed: &unconsumed},
		backend.Change{SetReservedUntil: &release, SetLastError: &otherReason})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bk := New(Config{})
	now := time.Now()
	for i := 0; i < 4; i++ {
		msg := newMessage(t, "orders", now)
		if i%2 == 0 {
			msg.Consumed = true
		}
		require.NoError(t, bk.Insert(ctx, "orders", msg))
	}
	consumed := true
	n, err := bk.Remove(ctx, "orders", backend.Predicate{Consumed: &consumed})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	left, err := bk.Find(ctx, "orders", backend.Predicate{}, backend.Unsorted, 0)
	require.NoError(t, err)
	require.Len(t, left, 2)
	for _, msg := range left {
		require.False(t, msg.Consumed)
	}
}
