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

package appsync

import (
	"time"

	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

// Governor gates automatic remediation of the dependent gateway service.
// It fires when the connected count drops below the threshold while the
// disconnected count exceeds it, at most once per cooldown window.
//
// If either the threshold or the cooldown is unconfigured, the governor
// never acts: remediation requires explicit configuration.
type Governor struct {
	threshold *int
	cooldown  *time.Duration

	lastRestart time.Time
	log         *zap.SugaredLogger

	// now is swappable for tests.
	now func() time.Time
}

// NewGovernor builds a governor from the configured bounds. Either bound
// being nil disables remediation entirely.
func NewGovernor(threshold *int, cooldown *time.Duration) *Governor {
	return &Governor{
		threshold: threshold,
		cooldown:  cooldown,
		log:       logger.For(logger.ComponentRemediation),
		now:       time.Now,
	}
}

// Enabled reports whether the governor can ever act.
func (g *Governor) Enabled() bool {
	return g.threshold != nil && g.cooldown != nil
}

// Observe feeds one observation. It returns true when a restart should be
// issued now, and records the restart timestamp in the same step so a
// second observation within the cooldown window can never fire again.
func (g *Governor) Observe(connected, disconnected int) bool {
	if !g.Enabled() {
		return false
	}

	if !(connected < *g.threshold && disconnected > *g.threshold) {
		return false
	}

	if !g.lastRestart.IsZero() && g.now().Sub(g.lastRestart) < *g.cooldown {
		g.log.Debugf("Remediation condition met (connected=%d, disconnected=%d) but cooldown active since %s",
			connected, disconnected, g.lastRestart.Format(displayTimeFormat))
		return false
	}

	g.lastRestart = g.now()
	g.log.Warnf("Remediation triggered: connected=%d below threshold %d, disconnected=%d above",
		connected, *g.threshold, disconnected)
	return true
}

// LastRestart returns when the governor last fired, zero if never.
func (g *Governor) LastRestart() time.Time {
	return g.lastRestart
}
