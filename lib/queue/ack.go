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
	"time"

	"github.com/gravitational/trace"

	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
)

// Ack marks a message consumed and releases its lease. Acking an
// already-consumed message succeeds (idempotent); acking a message that
// never existed returns NotFound. The consumed flag is terminal, so no
// sequence of acks can ever flip it back.
func (s *Server) Ack(ctx context.Context, group, id string) error {
	if err := checkGroupAndID(group, id); err != nil {
		return trace.Wrap(err)
	}
	unconsumed, consumed := false, true
	n, err := s.Backend.UpdateIf(ctx, group,
		backend.Predicate{ID: id, Consumed: &unconsumed},
		backend.Change{SetConsumed: &consumed, ClearReservedUntil: true},
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if n > 0 {
		acksTotal.WithLabelValues(group).Inc()
		return nil
	}
	// Nothing transitioned: either the message is already consumed
	// (idempotent success) or it does not exist.
	msg, err := s.Backend.Get(ctx, group, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if msg.Consumed {
		return nil
	}
	// The document flipped back to reservable between the update and
	// the read; a concurrent nack can do this. Report it as a miss so
	// the caller retries its ack.
	return trace.NotFound("message %q in group %q was not acknowledged", id, group)
}

// AckMany acknowledges a batch and returns how many documents actually
// transitioned to consumed.
func (s *Server) AckMany(ctx context.Context, group string, ids []string) (int64, error) {
	if err := types.CheckGroupName(group); err != nil {
		return 0, trace.Wrap(err)
	}
	if len(ids) == 0 {
		return 0, trace.BadParameter("empty id list")
	}
	unconsumed, consumed := false, true
	n, err := s.Backend.UpdateIf(ctx, group,
		backend.Predicate{IDs: ids, Consumed: &unconsumed},
		backend.Change{SetConsumed: &consumed, ClearReservedUntil: true},
	)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	acksTotal.WithLabelValues(group).Add(float64(n))
	return n, nil
}

// Nack releases a reserved message immediately by expiring its lease,
// recording the reason. Returns whether any document was modified;
// nacking a consumed or missing message is a no-op.
func (s *Server) Nack(ctx context.Context, group, id, reason string) (bool, error) {
	if err := checkGroupAndID(group, id); err != nil {
		return false, trace.Wrap(err)
	}
	now := s.Clock.Now()
	unconsumed := false
	n, err := s.Backend.UpdateIf(ctx, group,
		backend.Predicate{ID: id, Consumed: &unconsumed},
		backend.Change{SetReservedUntil: &now, SetLastError: &reason},
	)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if n > 0 {
		nacksTotal.WithLabelValues(group).Inc()
	}
	return n > 0, nil
}

// ExtendVisibility pushes out the lease of a currently reserved
// message by the given number of seconds from now. Seconds below one
// are treated as one. Returns whether the lease was extended; a
// message that is not reserved cannot be extended.
func (s *Server) ExtendVisibility(ctx context.Context, group, id string, seconds int) (bool, error) {
	if err := checkGroupAndID(group, id); err != nil {
		return false, trace.Wrap(err)
	}
	if seconds < 1 {
		seconds = 1
	}
	now := s.Clock.Now()
	until := now.Add(time.Duration(seconds) * time.Second)
	unconsumed := false
	n, err := s.Backend.UpdateIf(ctx, group,
		backend.Predicate{ID: id, Consumed: &unconsumed, ReservedAfter: &now},
		backend.Change{SetReservedUntil: &until},
	)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n > 0, nil
}

func checkGroupAndID(group, id string) error {
	if err := types.CheckGroupName(group); err != nil {
		return trace.Wrap(err)
	}
	if id == "" {
		return trace.BadParameter("missing message id")
	}
	return nil
}
