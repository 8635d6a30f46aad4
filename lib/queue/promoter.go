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

	"github.com/lightq/lightq"
	"github.com/lightq/lightq/lib/backend"
	"github.com/lightq/lightq/lib/utils"
)

// RunPromoter drives the scheduled message promoter until the context
// is canceled. One worker is enough: each promotion is an independent
// atomic step, so a kill between steps loses nothing, and a backlog
// larger than the per-tick cap simply rolls into the next tick.
func (s *Server) RunPromoter(ctx context.Context) {
	log := s.Log.With(lightq.ComponentKey, lightq.ComponentPromoter)
	log.Info("scheduled promoter started", "interval", s.PromoterInterval)
	jitter := utils.NewSeventhJitter()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduled promoter stopped")
			return
		case <-s.Clock.After(jitter(s.PromoterInterval)):
		}
		if _, err := s.PromoteDue(ctx); err != nil {
			swallowedErrors.WithLabelValues("promote").Inc()
			log.Warn("promotion sweep failed", "error", err)
		}
	}
}

// PromoteDue runs one promotion sweep: for every known group, due
// scheduled messages are atomically unscheduled in the durable store
// and pushed into the cache scored by their original schedule time, so
// a just-due message outranks anything created after it was scheduled.
// Returns the number of messages promoted.
func (s *Server) PromoteDue(ctx context.Context) (int, error) {
	groups, err := s.Backend.Groups(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	promoted := 0
	for _, group := range groups {
		for promoted < s.MaxPromotionsPerRun {
			now := s.Clock.Now()
			unconsumed := false
			// Request the pre-image: the cache score needs the original
			// scheduledAt, which the update removes.
			prior, err := s.Backend.FindAndModify(ctx, group,
				backend.Predicate{Consumed: &unconsumed, DueAt: &now},
				backend.Change{ClearScheduledAt: true},
				backend.ByCreatedAtAsc,
				false,
			)
			if err != nil {
				if trace.IsNotFound(err) {
					break
				}
				return promoted, trace.Wrap(err)
			}
			s.Cache.Add(ctx, prior)
			promotionsTotal.WithLabelValues(group).Inc()
			promoted++
		}
		if promoted >= s.MaxPromotionsPerRun {
			break
		}
	}
	return promoted, nil
}
