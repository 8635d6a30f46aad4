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
)

// moveToDLQ diverts a message to the group's dead-letter collection.
// The shadow entry is written first, then the live document is marked
// consumed in one conditional update, so a live and a dead-letter copy
// of the same ID never coexist in a reservable state. The dead-letter
// queue is a pure sink: nothing here calls back into the reservation
// path.
func (s *Server) moveToDLQ(ctx context.Context, msg *types.Message, reason string) error {
	group := msg.ConsumerGroup
	if err := s.ensureDLQIndexes(ctx, group); err != nil {
		return trace.Wrap(err)
	}
	entry := types.NewDLQEntry(msg, reason, s.Clock.Now())
	if err := s.Backend.InsertDLQ(ctx, group, entry); err != nil {
		// A concurrent triage of the same message already wrote the
		// shadow entry; finishing the live-side transition is still our
		// job.
		if !trace.IsAlreadyExists(err) {
			return trace.Wrap(err)
		}
	}
	unconsumed, consumed := false, true
	if _, err := s.Backend.UpdateIf(ctx, group,
		backend.Predicate{ID: msg.ID, Consumed: &unconsumed},
		backend.Change{SetConsumed: &consumed, ClearReservedUntil: true},
	); err != nil {
		return trace.Wrap(err)
	}
	dlqMovesTotal.WithLabelValues(group, reason).Inc()
	s.Log.Info("message moved to dlq", "group", group, "id", msg.ID, "reason", reason,
		"delivery_count", msg.DeliveryCount)
	return nil
}

// ViewDLQ returns the most recent dead-letter entries, newest failure
// first.
func (s *Server) ViewDLQ(ctx context.Context, group string, limit int) ([]*types.DLQEntry, error) {
	if err := types.CheckGroupName(group); err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 || limit > s.MessageAllowedToFetch {
		limit = s.MessageAllowedToFetch
	}
	entries, err := s.Backend.FindDLQ(ctx, group, limit)
	return entries, trace.Wrap(err)
}

// Replay reinserts dead-letter entries as fresh live messages: new ID,
// new creation time, zeroed delivery state. Each replayed entry is
// removed from the dead-letter collection, which makes a second replay
// of the same ID a no-op. Returns the number of entries replayed.
func (s *Server) Replay(ctx context.Context, group string, ids []string) (int, error) {
	if err := types.CheckGroupName(group); err != nil {
		return 0, trace.Wrap(err)
	}
	if err := s.ensureIndexes(ctx, group); err != nil {
		return 0, trace.Wrap(err)
	}
	replayed := 0
	for _, id := range ids {
		entry, err := s.Backend.GetDLQ(ctx, group, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return replayed, trace.Wrap(err)
		}
		if len(entry.Content) == 0 {
			continue
		}
		msg, err := types.NewMessage(group, entry.Content, nil, s.Clock.Now())
		if err != nil {
			swallowedErrors.WithLabelValues("dlq-replay").Inc()
			s.Log.Warn("skipping unreplayable dlq entry", "group", group, "id", id, "error", err)
			continue
		}
		if err := s.Backend.Insert(ctx, group, msg); err != nil {
			return replayed, trace.Wrap(err)
		}
		s.Cache.Add(ctx, msg)
		if _, err := s.Backend.RemoveDLQ(ctx, group, id); err != nil {
			return replayed, trace.Wrap(err)
		}
		dlqReplaysTotal.WithLabelValues(group).Inc()
		replayed++
	}
	return replayed, nil
}
