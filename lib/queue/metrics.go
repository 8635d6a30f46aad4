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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_pushes_total",
			Help: "Messages accepted by the push engine",
		},
		[]string{"group"},
	)
	popsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_pops_total",
			Help: "Pop calls by outcome",
		},
		[]string{"group", "result"},
	)
	acksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_acks_total",
			Help: "Messages acknowledged",
		},
		[]string{"group"},
	)
	nacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_nacks_total",
			Help: "Messages negatively acknowledged",
		},
		[]string{"group"},
	)
	dlqMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_dlq_moves_total",
			Help: "Messages diverted to the dead-letter queue",
		},
		[]string{"group", "reason"},
	)
	dlqReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_dlq_replays_total",
			Help: "Dead-letter entries replayed into the live queue",
		},
		[]string{"group"},
	)
	promotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_promotions_total",
			Help: "Scheduled messages promoted into the cache",
		},
		[]string{"group"},
	)
	reconcileEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_reconcile_evictions_total",
			Help: "Stale cache entries evicted by the self-healing reconciler",
		},
		[]string{"group"},
	)
	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lightq_persist_failures_total",
			Help: "Durable writes that failed after exhausting retries",
		},
	)
	writeBehindSaturation = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lightq_write_behind_saturation_total",
			Help: "Write-behind submissions that found the task queue full",
		},
	)
	swallowedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightq_swallowed_errors_total",
			Help: "Errors the engine deliberately absorbed instead of failing the request",
		},
		[]string{"op"},
	)
)

func queueCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		pushesTotal, popsTotal, acksTotal, nacksTotal,
		dlqMovesTotal, dlqReplaysTotal, promotionsTotal,
		reconcileEvictions, persistFailures, writeBehindSaturation,
		swallowedErrors,
	}
}
