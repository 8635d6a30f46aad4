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
	"sort"

	"github.com/gravitational/trace"

	"github.com/lightq/lightq/api/types"
	"github.com/lightq/lightq/lib/backend"
)

// Consumption filter values accepted by View.
const (
	// ConsumedYes restricts the view to consumed messages.
	ConsumedYes = "yes"
	// ConsumedNo restricts the view to unconsumed messages.
	ConsumedNo = "no"
)

// View returns up to limit messages of a group, optionally filtered by
// consumption state, sorted oldest first.
//
// Consumed views read the durable store alone. Unconsumed and
// unfiltered views are cache-first: cached entries are verified against
// their durable copies (the durable store wins every disagreement, and
// entries it disowns are healed out of the cache), then merged
// duplicate-free with a durable query that excludes the cached IDs.
func (s *Server) View(ctx context.Context, group string, limit int, consumedFilter string) ([]*types.Message, error) {
	if err := types.CheckGroupName(group); err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 || limit > s.MessageAllowedToFetch {
		limit = s.MessageAllowedToFetch
	}

	switch consumedFilter {
	case "", ConsumedYes, ConsumedNo:
	default:
		return nil, trace.BadParameter("invalid consumed filter %q: expected %q or %q", consumedFilter, ConsumedYes, ConsumedNo)
	}

	if consumedFilter == ConsumedYes {
		consumed := true
		msgs, err := s.Backend.Find(ctx, group,
			backend.Predicate{Consumed: &consumed},
			backend.ByCreatedAtAsc, limit)
		return msgs, trace.Wrap(err)
	}

	var result []*types.Message
	var cachedIDs []string
	for _, cached := range s.Cache.Peek(ctx, group, limit) {
		durable, err := s.Backend.Get(ctx, group, cached.ID)
		switch {
		case trace.IsNotFound(err):
			if s.Cache.RemoveOne(ctx, group, cached) {
				reconcileEvictions.WithLabelValues(group).Inc()
			}
			continue
		case err != nil:
			return nil, trace.Wrap(err)
		case durable.Consumed:
			// Cache thinks the message is pending, durable store says
			// terminal: heal and exclude.
			if s.Cache.RemoveOne(ctx, group, cached) {
				reconcileEvictions.WithLabelValues(group).Inc()
			}
			continue
		}
		result = append(result, durable)
		cachedIDs = append(cachedIDs, durable.ID)
	}

	p := backend.Predicate{ExcludeIDs: cachedIDs}
	if consumedFilter == ConsumedNo {
		unconsumed := false
		p.Consumed = &unconsumed
	}
	durable, err := s.Backend.Find(ctx, group, p, backend.ByCreatedAtAsc, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result = append(result, durable...)

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
