// Copyright 2025 INFN - Istituto Nazionale di Fisica Nucleare
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

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Component Labels.
	ComponentTaskRunner  = "task_runner"
	ComponentAppSyncTask = "appsync_task"
	ComponentArgoClient  = "argo_client"
	ComponentChannelAPI  = "channel_api"
	ComponentRemediation = "remediation"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "epik8s"
	subsystem = "controller"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Cycle timing.
	cycleTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_milliseconds",
			Help:      "Time taken to run one task cycle (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01, // 50th percentile with 1% error
				0.9:  0.01, // 90th percentile with 1% error
				0.95: 0.01, // 95th percentile with 1% error
				0.99: 0.01, // 99th percentile with 1% error
			},
		},
		[]string{"component", "instance"},
	)

	// Per-entity status metrics.
	entityHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entity_health_state",
			Help:      "Health of the tracked entity (0=Healthy, 1=Progressing, 2=Degraded, 3=Missing, 4=Unknown, 5=Other)",
		},
		[]string{"task", "entity"},
	)

	entitySyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entity_sync_state",
			Help:      "Sync state of the tracked entity (0=Synced, 1=OutOfSync, 2=Unknown, 3=Other)",
		},
		[]string{"task", "entity"},
	)

	// Control action outcomes.
	controlActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "control_actions_total",
			Help:      "Total number of control actions processed, by verb and result",
		},
		[]string{"verb", "result"},
	)
)

// InitErrorCounter initializes the error counter for a component and instance.
// This ensures that the metric exists even before the first error occurs.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// IncErrorCount increments the error counter for a component and instance.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// IncErrorCountAndLog increments the error counter and logs the error.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)
	if log != nil {
		log.Errorf("Error in %s/%s: %v", component, instance, err)
	}
}

// ObserveCycleTime records the duration of one task cycle.
func ObserveCycleTime(component, instance string, duration time.Duration) {
	cycleTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

// SetEntityHealthState records the numeric health state of a tracked entity.
func SetEntityHealthState(task, entity string, state int) {
	entityHealthState.WithLabelValues(task, entity).Set(float64(state))
}

// SetEntitySyncState records the numeric sync state of a tracked entity.
func SetEntitySyncState(task, entity string, state int) {
	entitySyncState.WithLabelValues(task, entity).Set(float64(state))
}

// IncControlAction counts one processed control action.
func IncControlAction(verb, result string) {
	controlActionsTotal.WithLabelValues(verb, result).Inc()
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics endpoint failed: %v", err)
		}
	}()

	return server
}
