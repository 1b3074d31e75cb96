/*
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

// Package metrics holds the prometheus collectors of the execution backend
// and the registry they are registered on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry collects every cloudburst metric, including the AWS SDK
// client-side metrics attached by the plan factory.
var Registry = prometheus.NewRegistry()

var (
	TasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "tasks",
		Name:      "submitted_total",
		Help:      "Number of tasks submitted, partitioned by scheduling mode.",
	}, []string{ModeLabel})
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Number of tasks whose results were observed, partitioned by scheduling mode and result.",
	}, []string{ModeLabel, ResultLabel})
	TasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "tasks",
		Name:      "running",
		Help:      "Number of tasks currently dispatched and not yet resolved.",
	})
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Wall time from dispatch to observed result.",
		Buckets:   DurationBuckets(),
	})
	WavesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "dispatch",
		Name:      "waves_total",
		Help:      "Number of waves dispatched under quota-limited scheduling.",
	})
	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "claim_conflicts_total",
		Help:      "Number of task claims lost to another worker's conditional put.",
	})
	ManifestCASRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "session",
		Name:      "manifest_cas_conflicts_total",
		Help:      "Number of manifest writes that lost a compare-and-swap race.",
	})
	WorkersLaunched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "workers",
		Name:      "launched_total",
		Help:      "Number of worker containers started, partitioned by launch kind.",
	}, []string{LaunchKindLabel})
	SpotInterruptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "workers",
		Name:      "spot_interruptions_total",
		Help:      "Number of spot interruption warnings observed for pool instances.",
	})
	CostUSD = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "cost",
		Name:      "accumulated_usd",
		Help:      "Estimated accumulated compute spend in USD.",
	})
)

func init() {
	Registry.MustRegister(
		TasksSubmitted,
		TasksCompleted,
		TasksRunning,
		TaskDuration,
		WavesDispatched,
		ClaimConflicts,
		ManifestCASRetries,
		WorkersLaunched,
		SpotInterruptions,
		CostUSD,
	)
}
