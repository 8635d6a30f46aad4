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

package queue

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
	"github.com/lightq/lightq/lib/defaults"
)

// ReasonMaxDeliveries tags dead-letter moves caused by an exhausted
// delivery budget.
const ReasonMaxDeliveries = "max-deliveries"

// Pop reserves and returns one message for the visibility window, or
// NotFound when the group has nothing reservable. FIFO is best-effort:
// cache candidates are tried oldest first, and the durable fallback
// scans by createdAt ascending.
//
// Exclusivity does not depend on the cache: the reservation itself is a
// conditional update in the durable store, so concurrent poppers racing
// on the same candidate produce exactly one winner.
func (s *Server) Pop(ctx context.Context, group string) (*types.Message, error) {
	if err := types.CheckGroupName(group); err != nil {
		return nil, trace.Wrap(err)
	}

	limit := defaults.CachePeekLimit
	if s.MessageAllowedToFetch < limit {
		limit = s.MessageAllowedToFetch
	}
	for _, candidate := range s.Cache.Peek(ctx, group, limit) {
		reserved, err := s.reserveByID(ctx, group, candidate.ID)
		if err != nil {
			if trace.IsNotFound(err) {
				// Reservation predicate did not match: the entry may be
				// stale. Reconcile against the durable copy.
				s.reconcile(ctx, group, candidate)
				continue
			}
			return nil, trace.Wrap(err)
		}
		if reserved.DeliveryCount > s.MaxDeliveryAttempts {
			// Over budget: divert and keep scanning. The cache entry is
			// left alone; its TTL or the reconciler will clear it.
			if err := s.moveToDLQ(ctx, reserved, ReasonMaxDeliveries); err != nil {
				swallowedErrors.WithLabelValues("dlq-move").Inc()
				s.Log.Error("failed to move message to dlq", "group", group, "id", reserved.ID, "error", err)
			}
			continue
		}
		s.Cache.RemoveOne(ctx, group, candidate)
		popsTotal.WithLabelValues(group, "hit").Inc()
		return reserved, nil
	}

	// No cache candidate won; fall back to the durable FIFO scan.
	for {
		reserved, err := s.reserveOldest(ctx, group)
		if err != nil {
			if trace.IsNotFound(err) {
				break
			}
			return nil, trace.Wrap(err)
		}
		if reserved.DeliveryCount > s.MaxDeliveryAttempts {
			if err := s.moveToDLQ(ctx, reserved, ReasonMaxDeliveries); err != nil {
				swallowedErrors.WithLabelValues("dlq-move").Inc()
				s.Log.Error("failed to move message to dlq", "group", group, "id", reserved.ID, "error", err)
			}
			continue
		}
		popsTotal.WithLabelValues(group, "fallback").Inc()
		return reserved, nil
	}

	popsTotal.WithLabelValues(group, "empty").Inc()
	return nil, trace.NotFound("no reservable messages in group %q", group)
}

// reserveByID attempts the atomic reservation of a specific message:
// the predicate requires it to be unconsumed with both lease and
// schedule elapsed, and the update increments the delivery counter and
// grants a fresh lease in the same step.
func (s *Server) reserveByID(ctx context.Context, group, id string) (*types.Message, error) {
	now := s.Clock.Now()
	until := now.Add(s.VisibilityTimeout)
	unconsumed := false
	msg, err := s.Backend.FindAndModify(ctx, group,
		backend.Predicate{
			ID:           id,
			Consumed:     &unconsumed,
			ReservableAt: &now,
		},
		backend.Change{
			IncDeliveryCount:  1,
			SetReservedUntil:  &until,
			SetLastDeliveryAt: &now,
		},
		backend.Unsorted,
		true,
	)
	return msg, trace.Wrap(err)
}

// reserveOldest reserves the oldest reservable message in the group.
func (s *Server) reserveOldest(ctx context.Context, group string) (*types.Message, error) {
	now := s.Clock.Now()
	until := now.Add(s.VisibilityTimeout)
	unconsumed := false
	msg, err := s.Backend.FindAndModify(ctx, group,
		backend.Predicate{
			Consumed:     &unconsumed,
			ReservableAt: &now,
		},
		backend.Change{
			IncDeliveryCount:  1,
			SetReservedUntil:  &until,
			SetLastDeliveryAt: &now,
		},
		backend.ByCreatedAtAsc,
		true,
	)
	return msg, trace.Wrap(err)
}

// reconcile heals the cache after a failed reservation: if the durable
// store disowns the entry (missing or consumed) it is evicted,
// otherwise it stays — most likely another consumer holds the lease or
// the schedule has not elapsed.
func (s *Server) reconcile(ctx context.Context, group string, candidate *types.Message) {
	durable, err := s.Backend.Get(ctx, group, candidate.ID)
	switch {
	case trace.IsNotFound(err):
		if s.Cache.RemoveOne(ctx, group, candidate) {
			reconcileEvictions.WithLabelValues(group).Inc()
		}
	case err != nil:
		swallowedErrors.WithLabelValues("reconcile").Inc()
		s.Log.Warn("reconcile lookup failed", "group", group, "id", candidate.ID, "error", err)
	case durable.Consumed:
		if s.Cache.RemoveOne(ctx, group, candidate) {
			reconcileEvictions.WithLabelValues(group).Inc()
		}
	}
}
