// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_run_submissions_total",
		Help: "Workflow run submissions accepted, by workflow type.",
	}, []string{"workflow_type"})

	submissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_run_submissions_rejected_total",
		Help: "Workflow run submissions rejected before a run was created.",
	}, []string{"reason"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_run_state_transitions_total",
		Help: "Run lifecycle state transitions.",
	}, []string{"from", "to"})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_runs_active",
		Help: "Runs currently in a non-terminal state.",
	})

	dispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_dispatch_errors_total",
		Help: "Dispatcher operation failures.",
	}, []string{"op"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowd_run_duration_seconds",
		Help:    "Wall-clock duration of runs that reached a terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"state"})
)
